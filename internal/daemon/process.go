package daemon

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// ProcessRow is one process in a top-processes reading.
type ProcessRow struct {
	PID         int
	Name        string
	CPUPercent  float64
	MemoryBytes int64
	Status      string
	Username    string
}

// ProcessCollector samples per-process CPU and memory from /proc. CPU percent
// is a delta against the previous call, normalized so a process saturating
// all cores reads near numCPU*100 (matching common process monitors). The
// first call reports 0 for every process.
type ProcessCollector struct {
	proc string

	prevProc  map[int]uint64 // pid -> utime+stime jiffies
	prevTotal uint64         // aggregate cpu jiffies
	hasPrev   bool

	usernames map[uint32]string // uid cache
}

// NewProcessCollector creates a collector. proc is the procfs mount.
func NewProcessCollector(proc string) *ProcessCollector {
	return &ProcessCollector{
		proc:      proc,
		prevProc:  make(map[int]uint64),
		usernames: make(map[uint32]string),
	}
}

// Top returns the limit highest-CPU processes, ties broken by memory.
func (pc *ProcessCollector) Top(limit int) ([]ProcessRow, error) {
	total, err := pc.totalJiffies()
	if err != nil {
		return nil, fmt.Errorf("read cpu total: %w", err)
	}

	entries, err := os.ReadDir(pc.proc)
	if err != nil {
		return nil, fmt.Errorf("read proc: %w", err)
	}

	dTotal := total - pc.prevTotal
	ncpu := float64(runtime.NumCPU())

	curProc := make(map[int]uint64, len(pc.prevProc))
	var rows []ProcessRow
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		name, status, jiffies, err := pc.readStat(pid)
		if err != nil {
			continue // process exited mid-scan
		}
		curProc[pid] = jiffies

		var cpuPct float64
		if prev, ok := pc.prevProc[pid]; ok && pc.hasPrev && dTotal > 0 && jiffies >= prev {
			cpuPct = float64(jiffies-prev) / float64(dTotal) * ncpu * 100
		}

		rows = append(rows, ProcessRow{
			PID:         pid,
			Name:        name,
			CPUPercent:  cpuPct,
			MemoryBytes: pc.readRSS(pid),
			Status:      status,
			Username:    pc.username(pid),
		})
	}

	pc.prevProc = curProc
	pc.prevTotal = total
	pc.hasPrev = true

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CPUPercent != rows[j].CPUPercent {
			return rows[i].CPUPercent > rows[j].CPUPercent
		}
		return rows[i].MemoryBytes > rows[j].MemoryBytes
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// totalJiffies sums the aggregate cpu line of /proc/stat.
func (pc *ProcessCollector) totalJiffies() (uint64, error) {
	f, err := os.Open(filepath.Join(pc.proc, "stat"))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected stat line %q", scanner.Text())
	}

	var total uint64
	for _, f := range fields[1:] {
		v, _ := strconv.ParseUint(f, 10, 64)
		total += v
	}
	return total, nil
}

var processStates = map[byte]string{
	'R': "running",
	'S': "sleeping",
	'D': "disk-sleep",
	'Z': "zombie",
	'T': "stopped",
	't': "tracing-stop",
	'I': "idle",
}

// readStat parses /proc/<pid>/stat for name, state, and utime+stime. The
// comm field may contain spaces, so fields are taken after the closing paren.
func (pc *ProcessCollector) readStat(pid int) (name, status string, jiffies uint64, err error) {
	data, err := os.ReadFile(filepath.Join(pc.proc, strconv.Itoa(pid), "stat"))
	if err != nil {
		return "", "", 0, err
	}

	s := string(data)
	lparen := strings.IndexByte(s, '(')
	rparen := strings.LastIndexByte(s, ')')
	if lparen < 0 || rparen < lparen || rparen+2 >= len(s) {
		return "", "", 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	name = s[lparen+1 : rparen]

	// After ") " the fields are: state ppid ... utime(idx 11) stime(idx 12).
	rest := strings.Fields(s[rparen+2:])
	if len(rest) < 13 {
		return "", "", 0, fmt.Errorf("short stat for pid %d", pid)
	}
	if st, ok := processStates[rest[0][0]]; ok {
		status = st
	} else {
		status = rest[0]
	}

	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	return name, status, utime + stime, nil
}

// readRSS parses VmRSS from /proc/<pid>/status. Returns 0 when unavailable
// (kernel threads have no VmRSS).
func (pc *ProcessCollector) readRSS(pid int) int64 {
	f, err := os.Open(filepath.Join(pc.proc, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, _ := strconv.ParseInt(fields[1], 10, 64)
		return kb * 1024
	}
	return 0
}

// username resolves the owning user of /proc/<pid>, with a per-uid cache.
func (pc *ProcessCollector) username(pid int) string {
	info, err := os.Stat(filepath.Join(pc.proc, strconv.Itoa(pid)))
	if err != nil {
		return ""
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}

	if name, ok := pc.usernames[st.Uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(st.Uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	pc.usernames[st.Uid] = name
	return name
}
