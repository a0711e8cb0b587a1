package daemon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// HostCollector reads CPU, memory and disk readings from /proc and statfs.
type HostCollector struct {
	proc string
	disk string

	// Previous CPU counters for delta-based percent calculation.
	prevBusy  uint64
	prevTotal uint64
	hasPrev   bool
}

// NewHostCollector creates a collector. proc is the procfs mount, disk the
// path whose filesystem is reported as "the disk".
func NewHostCollector(proc, disk string) *HostCollector {
	return &HostCollector{proc: proc, disk: disk}
}

// CPUPercent parses /proc/stat line 1 and computes aggregate CPU percent
// from the delta against the previous call. The first call returns 0.
func (h *HostCollector) CPUPercent() (float64, error) {
	f, err := os.Open(filepath.Join(h.proc, "stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/stat")
	}

	line := scanner.Text()
	if !strings.HasPrefix(line, "cpu ") {
		return 0, fmt.Errorf("unexpected /proc/stat first line: %q", line)
	}

	fields := strings.Fields(line)
	if len(fields) < 8 {
		return 0, fmt.Errorf("/proc/stat cpu line too short: %d fields", len(fields))
	}

	// fields: cpu user nice system idle iowait irq softirq [steal guest guest_nice]
	var vals [10]uint64
	for i := 1; i < len(fields) && i <= 10; i++ {
		vals[i-1], _ = strconv.ParseUint(fields[i], 10, 64)
	}

	var total uint64
	for _, v := range vals {
		total += v
	}
	idle := vals[3] + vals[4] // idle + iowait
	busy := total - idle

	var pct float64
	if h.hasPrev && total >= h.prevTotal && busy >= h.prevBusy {
		dTotal := total - h.prevTotal
		dBusy := busy - h.prevBusy
		if dTotal > 0 {
			pct = float64(dBusy) / float64(dTotal) * 100
		}
	}

	h.prevBusy = busy
	h.prevTotal = total
	h.hasPrev = true

	return pct, nil
}

// MemoryReading is one /proc/meminfo sample.
type MemoryReading struct {
	Percent    float64
	UsedBytes  int64
	AvailBytes int64
	TotalBytes int64
}

// Memory parses /proc/meminfo. Used is total minus MemAvailable.
func (h *HostCollector) Memory() (MemoryReading, error) {
	f, err := os.Open(filepath.Join(h.proc, "meminfo"))
	if err != nil {
		return MemoryReading{}, err
	}
	defer f.Close()

	vals := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		valStr := strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB")
		v, err := strconv.ParseInt(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			continue
		}
		vals[parts[0]] = v
	}

	m := MemoryReading{
		TotalBytes: vals["MemTotal"] * 1024,
		AvailBytes: vals["MemAvailable"] * 1024,
	}
	if m.TotalBytes == 0 {
		return MemoryReading{}, fmt.Errorf("no MemTotal in meminfo")
	}
	m.UsedBytes = m.TotalBytes - m.AvailBytes
	m.Percent = float64(m.UsedBytes) / float64(m.TotalBytes) * 100
	return m, nil
}

// DiskReading is one filesystem usage sample.
type DiskReading struct {
	Percent    float64
	UsedBytes  int64
	FreeBytes  int64
	TotalBytes int64
}

// Disk reports usage of the filesystem backing the configured path.
func (h *HostCollector) Disk() (DiskReading, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.disk, &stat); err != nil {
		return DiskReading{}, fmt.Errorf("statfs %s: %w", h.disk, err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	used := total - free

	d := DiskReading{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  used,
	}
	if total > 0 {
		d.Percent = float64(used) / float64(total) * 100
	}
	return d, nil
}
