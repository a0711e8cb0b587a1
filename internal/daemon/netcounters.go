package daemon

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// NetCounters turns the cumulative byte counters in /proc/net/dev into
// per-second send/receive rates. The first call returns zeros (no baseline);
// so does a call where the clock did not advance. Counter resets (interface
// bounce) clamp to zero instead of going negative.
type NetCounters struct {
	proc string
	now  func() time.Time

	prevSent uint64
	prevRecv uint64
	prevAt   time.Time
	hasPrev  bool
}

// NewNetCounters creates the probe. proc is the procfs mount.
func NewNetCounters(proc string) *NetCounters {
	return &NetCounters{proc: proc, now: time.Now}
}

// Rates returns bytes-per-second sent and received since the previous call,
// summed over all non-loopback interfaces.
func (n *NetCounters) Rates() (sentBps, recvBps float64, err error) {
	sent, recv, err := n.read()
	if err != nil {
		return 0, 0, err
	}

	now := n.now()
	prevSent, prevRecv, prevAt, hasPrev := n.prevSent, n.prevRecv, n.prevAt, n.hasPrev
	n.prevSent, n.prevRecv, n.prevAt, n.hasPrev = sent, recv, now, true

	if !hasPrev {
		return 0, 0, nil
	}
	dt := now.Sub(prevAt).Seconds()
	if dt <= 0 {
		return 0, 0, nil
	}

	var dSent, dRecv uint64
	if sent > prevSent {
		dSent = sent - prevSent
	}
	if recv > prevRecv {
		dRecv = recv - prevRecv
	}
	return float64(dSent) / dt, float64(dRecv) / dt, nil
}

// read sums tx/rx byte counters across interfaces, skipping loopback.
func (n *NetCounters) read() (sent, recv uint64, err error) {
	f, err := os.Open(filepath.Join(n.proc, "net", "dev"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= 2 {
			continue // header lines
		}

		line := scanner.Text()
		colonIdx := strings.Index(line, ":")
		if colonIdx < 0 {
			continue
		}

		iface := strings.TrimSpace(line[:colonIdx])
		if iface == "lo" {
			continue
		}

		fields := strings.Fields(line[colonIdx+1:])
		if len(fields) < 9 {
			continue
		}

		rxBytes, _ := strconv.ParseUint(fields[0], 10, 64)
		txBytes, _ := strconv.ParseUint(fields[8], 10, 64)
		recv += rxBytes
		sent += txBytes
	}
	return sent, recv, scanner.Err()
}
