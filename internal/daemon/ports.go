package daemon

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// tcpStateListen is the LISTEN state in /proc/net/tcp's st column.
const tcpStateListen = 0x0A

// ListeningSocket is one listening TCP socket. PID is 0 when the owning
// process could not be resolved (typically a permissions issue).
type ListeningSocket struct {
	IP          string
	Port        int
	PID         int
	ProcessName string
}

// PortStatus is the observed state of one watched port.
type PortStatus struct {
	Port        int
	Required    bool
	Listening   bool
	PID         int
	ProcessName string
}

// PortScanner enumerates listening TCP sockets from /proc/net/tcp{,6} and
// resolves owning processes through /proc/*/fd socket inodes.
type PortScanner struct {
	proc string
}

// NewPortScanner creates a scanner. proc is the procfs mount.
func NewPortScanner(proc string) *PortScanner {
	return &PortScanner{proc: proc}
}

// Listening returns listening sockets deduped by (ip, port, pid) and sorted
// by (port, ip, pid). limit <= 0 means no limit.
func (ps *PortScanner) Listening(limit int) ([]ListeningSocket, error) {
	inodes := make(map[uint64]struct{})
	var socks []rawSocket

	var firstErr error
	for _, name := range []string{"tcp", "tcp6"} {
		entries, err := ps.parseTable(filepath.Join(ps.proc, "net", name))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		socks = append(socks, entries...)
	}
	if len(socks) == 0 && firstErr != nil {
		return nil, firstErr
	}

	// Resolve inode -> pid in one pass over /proc/*/fd.
	for i := range socks {
		inodes[socks[i].inode] = struct{}{}
	}
	owners := ps.socketOwners(inodes)
	for i := range socks {
		if pid, ok := owners[socks[i].inode]; ok {
			socks[i].PID = pid
			socks[i].ProcessName = ps.processName(pid)
		}
	}

	// Dedupe by (ip, port, pid).
	seen := make(map[string]struct{}, len(socks))
	out := make([]ListeningSocket, 0, len(socks))
	for _, s := range socks {
		key := s.IP + "|" + strconv.Itoa(s.Port) + "|" + strconv.Itoa(s.PID)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s.ListeningSocket)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].PID < out[j].PID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WatchStatus reports the listening state of each port in the profile's
// watch list, using one socket enumeration pass.
func (ps *PortScanner) WatchStatus(profile Profile) ([]PortStatus, error) {
	socks, err := ps.Listening(0)
	if err != nil {
		return nil, err
	}

	byPort := make(map[int]ListeningSocket)
	for _, s := range socks {
		if _, ok := byPort[s.Port]; !ok {
			byPort[s.Port] = s
		}
	}

	required := make(map[int]bool, len(profile.RequiredPorts))
	for _, p := range profile.RequiredPorts {
		required[p] = true
	}

	out := make([]PortStatus, 0, len(profile.WatchPorts))
	for _, port := range profile.WatchPorts {
		st := PortStatus{Port: port, Required: required[port]}
		if s, ok := byPort[port]; ok {
			st.Listening = true
			st.PID = s.PID
			st.ProcessName = s.ProcessName
		}
		out = append(out, st)
	}
	return out, nil
}

type rawSocket struct {
	ListeningSocket
	inode uint64
}

// parseTable reads one /proc/net/tcp-format file and returns LISTEN entries.
func (ps *PortScanner) parseTable(path string) ([]rawSocket, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []rawSocket
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}

		state, err := strconv.ParseUint(fields[3], 16, 8)
		if err != nil || state != tcpStateListen {
			continue
		}

		ip, port, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		inode, _ := strconv.ParseUint(fields[9], 10, 64)

		out = append(out, rawSocket{
			ListeningSocket: ListeningSocket{IP: ip, Port: port},
			inode:           inode,
		})
	}
	return out, scanner.Err()
}

// parseHexAddr decodes the "HEXIP:HEXPORT" local_address column. The IP is
// in network-interface byte order: little-endian within each 4-byte group.
func parseHexAddr(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed address %q", s)
	}

	port64, err := strconv.ParseUint(s[idx+1:], 16, 16)
	if err != nil {
		return "", 0, fmt.Errorf("malformed port in %q", s)
	}

	raw, err := hex.DecodeString(s[:idx])
	if err != nil || (len(raw) != 4 && len(raw) != 16) {
		return "", 0, fmt.Errorf("malformed ip in %q", s)
	}

	// Reverse each 4-byte group.
	ip := make(net.IP, len(raw))
	for g := 0; g < len(raw); g += 4 {
		ip[g] = raw[g+3]
		ip[g+1] = raw[g+2]
		ip[g+2] = raw[g+1]
		ip[g+3] = raw[g]
	}
	return ip.String(), int(port64), nil
}

// socketOwners maps socket inodes to owning PIDs by walking /proc/*/fd.
// Unreadable processes are skipped silently.
func (ps *PortScanner) socketOwners(inodes map[uint64]struct{}) map[uint64]int {
	owners := make(map[uint64]int)
	if len(inodes) == 0 {
		return owners
	}

	procs, err := os.ReadDir(ps.proc)
	if err != nil {
		return owners
	}
	for _, entry := range procs {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join(ps.proc, entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil || !strings.HasPrefix(link, "socket:[") {
				continue
			}
			inode, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(link, "socket:["), "]"), 10, 64)
			if err != nil {
				continue
			}
			if _, want := inodes[inode]; want {
				if _, taken := owners[inode]; !taken {
					owners[inode] = pid
				}
			}
		}
	}
	return owners
}

// processName reads /proc/<pid>/comm.
func (ps *PortScanner) processName(pid int) string {
	data, err := os.ReadFile(filepath.Join(ps.proc, strconv.Itoa(pid), "comm"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
