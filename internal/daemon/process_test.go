package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// writePid lays out /proc/<pid> with a stat line (comm may contain spaces)
// and a VmRSS entry.
func writePid(t *testing.T, proc string, pid int, comm, state string, jiffies uint64, rssKB int64) {
	t.Helper()
	dir := filepath.Join(proc, fmt.Sprint(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stat := fmt.Sprintf("%d (%s) %s 1 %d %d 0 -1 4194304 100 0 0 0 %d %d 0 0 20 0 1 0 100 1000000 200\n",
		pid, comm, state, pid, pid, jiffies/2, jiffies-jiffies/2)
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	status := fmt.Sprintf("Name:\t%s\nVmRSS:\t%d kB\n", comm, rssKB)
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeTotalStat(t *testing.T, proc string, total uint64) {
	t.Helper()
	writeProcFile(t, proc, "stat", fmt.Sprintf("cpu  %d 0 0 0 0 0 0 0\n", total))
}

func TestTopFirstCallZeroCPU(t *testing.T) {
	proc := t.TempDir()
	writeTotalStat(t, proc, 1000)
	writePid(t, proc, 100, "webserver", "S", 400, 2048)

	pc := NewProcessCollector(proc)
	rows, err := pc.Top(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].CPUPercent != 0 {
		t.Errorf("first sample cpu = %v, want 0", rows[0].CPUPercent)
	}
	if rows[0].MemoryBytes != 2048*1024 {
		t.Errorf("rss = %d, want %d", rows[0].MemoryBytes, 2048*1024)
	}
	if rows[0].Status != "sleeping" {
		t.Errorf("status = %q, want sleeping", rows[0].Status)
	}
}

func TestTopDeltaCPU(t *testing.T) {
	proc := t.TempDir()
	writeTotalStat(t, proc, 1000)
	writePid(t, proc, 100, "webserver", "R", 400, 2048)

	pc := NewProcessCollector(proc)
	if _, err := pc.Top(10); err != nil {
		t.Fatal(err)
	}

	// Process consumed 100 of 400 total jiffies since the baseline.
	writeTotalStat(t, proc, 1400)
	writePid(t, proc, 100, "webserver", "R", 500, 2048)

	rows, err := pc.Top(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].CPUPercent <= 0 {
		t.Errorf("cpu = %v, want > 0", rows[0].CPUPercent)
	}
}

func TestTopSortsAndLimits(t *testing.T) {
	proc := t.TempDir()
	writeTotalStat(t, proc, 1000)
	writePid(t, proc, 100, "idle one", "S", 10, 100)
	writePid(t, proc, 200, "memory hog", "S", 10, 9000)
	writePid(t, proc, 300, "small", "S", 10, 50)

	pc := NewProcessCollector(proc)
	rows, err := pc.Top(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// All CPU ties on the first pass; memory breaks the tie.
	if rows[0].PID != 200 {
		t.Errorf("top row = %+v, want pid 200", rows[0])
	}
}

func TestReadStatCommWithSpacesAndParens(t *testing.T) {
	proc := t.TempDir()
	writeTotalStat(t, proc, 1000)
	writePid(t, proc, 100, "tmux: server (1)", "S", 40, 10)

	pc := NewProcessCollector(proc)
	name, status, jiffies, err := pc.readStat(100)
	if err != nil {
		t.Fatal(err)
	}
	if name != "tmux: server (1)" {
		t.Errorf("name = %q", name)
	}
	if status != "sleeping" || jiffies != 40 {
		t.Errorf("status = %q jiffies = %d", status, jiffies)
	}
}

func TestTopSkipsVanishedProcess(t *testing.T) {
	proc := t.TempDir()
	writeTotalStat(t, proc, 1000)
	// Directory exists but the stat file is gone, as when a process exits
	// between ReadDir and the read.
	if err := os.MkdirAll(filepath.Join(proc, "555"), 0o755); err != nil {
		t.Fatal(err)
	}
	writePid(t, proc, 100, "survivor", "S", 10, 10)

	pc := NewProcessCollector(proc)
	rows, err := pc.Top(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].PID != 100 {
		t.Fatalf("rows = %+v, want only pid 100", rows)
	}
}
