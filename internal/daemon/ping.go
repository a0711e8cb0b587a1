package daemon

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

// Network quality classifications derived from ping latency.
const (
	QualityGood    = "good"
	QualityOK      = "ok"
	QualityPoor    = "poor"
	QualityOffline = "offline"
)

var pingTimeRe = regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`)

// Pinger measures latency to a single host using the system ping binary.
type Pinger struct {
	host    string
	timeout time.Duration

	// run executes one ping and returns its combined output. Swapped in tests.
	run func(ctx context.Context, host string, timeout time.Duration) ([]byte, error)
}

// NewPinger creates a pinger with a bounded per-ping timeout.
func NewPinger(host string, timeout time.Duration) *Pinger {
	return &Pinger{host: host, timeout: timeout, run: runPing}
}

// Host returns the ping target.
func (p *Pinger) Host() string { return p.host }

// Timeout returns the per-ping timeout.
func (p *Pinger) Timeout() time.Duration { return p.timeout }

// Latency sends one ping and returns the round-trip time in milliseconds,
// or nil when the host is unreachable or the ping timed out.
func (p *Pinger) Latency(ctx context.Context) *float64 {
	out, err := p.run(ctx, p.host, p.timeout)
	if err != nil {
		return nil
	}
	m := pingTimeRe.FindSubmatch(out)
	if m == nil {
		return nil
	}
	ms, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return nil
	}
	return &ms
}

func runPing(ctx context.Context, host string, timeout time.Duration) ([]byte, error) {
	// Give the process slightly longer than the ping deadline before the
	// context kills it.
	ctx, cancel := context.WithTimeout(ctx, timeout+200*time.Millisecond)
	defer cancel()

	waitSec := strconv.FormatFloat(timeout.Seconds(), 'f', 1, 64)
	cmd := exec.CommandContext(ctx, "ping", "-n", "-c", "1", "-W", waitSec, host)
	return cmd.CombinedOutput()
}

// classifyNetwork maps a latency reading to a quality label. nil means
// offline; 50ms and 150ms are inclusive upper bounds for good and ok.
func classifyNetwork(latencyMs *float64) string {
	switch {
	case latencyMs == nil:
		return QualityOffline
	case *latencyMs <= 50:
		return QualityGood
	case *latencyMs <= 150:
		return QualityOK
	default:
		return QualityPoor
	}
}
