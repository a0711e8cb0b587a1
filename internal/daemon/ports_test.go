package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseHexAddrIPv4(t *testing.T) {
	ip, port, err := parseHexAddr("0100007F:1F90")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "127.0.0.1" || port != 8080 {
		t.Errorf("got %s:%d, want 127.0.0.1:8080", ip, port)
	}
}

func TestParseHexAddrIPv4Any(t *testing.T) {
	ip, port, err := parseHexAddr("00000000:0BB8")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "0.0.0.0" || port != 3000 {
		t.Errorf("got %s:%d, want 0.0.0.0:3000", ip, port)
	}
}

func TestParseHexAddrIPv6(t *testing.T) {
	// ::1 in /proc/net/tcp6 layout (little-endian 4-byte groups).
	ip, port, err := parseHexAddr("00000000000000000000000001000000:14E9")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "::1" || port != 5353 {
		t.Errorf("got %s:%d, want ::1:5353", ip, port)
	}
}

func TestParseHexAddrMalformed(t *testing.T) {
	for _, s := range []string{"", "nocolon", "ZZZZ:0050", "0100007F:GGGG", "01:0050"} {
		if _, _, err := parseHexAddr(s); err == nil {
			t.Errorf("parseHexAddr(%q): expected error", s)
		}
	}
}

// writeProcNet seeds a fake procfs: a tcp table with a listening socket on
// 127.0.0.1:3000 (inode 4242), an established one to ignore, and a process
// directory owning the inode.
func writeProcNet(t *testing.T) string {
	t.Helper()
	proc := t.TempDir()
	if err := os.MkdirAll(filepath.Join(proc, "net"), 0o755); err != nil {
		t.Fatal(err)
	}
	tcp := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:0BB8 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 4242 1 0000000000000000 100 0 0 10 0
   1: 0100007F:1F90 0200007F:C350 01 00000000:00000000 00:00000000 00000000  1000        0 4243 1 0000000000000000 100 0 0 10 0
`
	if err := os.WriteFile(filepath.Join(proc, "net", "tcp"), []byte(tcp), 0o644); err != nil {
		t.Fatal(err)
	}

	pidDir := filepath.Join(proc, "321")
	if err := os.MkdirAll(filepath.Join(pidDir, "fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("socket:[4242]", filepath.Join(pidDir, "fd", "5")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "comm"), []byte("node\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return proc
}

func TestListeningResolvesOwner(t *testing.T) {
	ps := NewPortScanner(writeProcNet(t))

	socks, err := ps.Listening(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(socks) != 1 {
		t.Fatalf("sockets = %d, want 1 (established entry must be skipped)", len(socks))
	}
	s := socks[0]
	if s.IP != "127.0.0.1" || s.Port != 3000 {
		t.Errorf("addr = %s:%d, want 127.0.0.1:3000", s.IP, s.Port)
	}
	if s.PID != 321 || s.ProcessName != "node" {
		t.Errorf("owner = %d/%q, want 321/node", s.PID, s.ProcessName)
	}
}

func TestWatchStatusMarksMissingPorts(t *testing.T) {
	ps := NewPortScanner(writeProcNet(t))
	profile := Profile{
		Name:          "t",
		WatchPorts:    []int{3000, 5173},
		RequiredPorts: []int{5173},
	}

	statuses, err := ps.WatchStatus(profile)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if !statuses[0].Listening || statuses[0].Port != 3000 || statuses[0].Required {
		t.Errorf("port 3000 = %+v, want listening, not required", statuses[0])
	}
	if statuses[1].Listening || statuses[1].Port != 5173 || !statuses[1].Required {
		t.Errorf("port 5173 = %+v, want down, required", statuses[1])
	}
}

func TestListeningLimit(t *testing.T) {
	ps := NewPortScanner(writeProcNet(t))
	socks, err := ps.Listening(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(socks) == 0 {
		t.Fatal("need at least one socket")
	}
	limited, err := ps.Listening(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestListeningMissingTables(t *testing.T) {
	ps := NewPortScanner(t.TempDir())
	if _, err := ps.Listening(0); err == nil {
		t.Fatal("expected error when no tcp tables exist")
	}
}
