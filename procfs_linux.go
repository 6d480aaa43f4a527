//go:build linux
// +build linux

package pidstat

import (
	"bufio"
	"context"
	"encoding/hex"
	"io"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/process"
)

// ListPids returns every pid in procfs, or only those whose command line
// matches re.
func (p *ProcFS) ListPids(ctx context.Context, re *regexp.Regexp) ([]int32, error) {
	all, err := process.PidsWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}

	pids := make([]int32, 0, len(all))
	for _, pid := range all {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if pid <= 0 {
			continue
		}
		if re != nil {
			cmdline, err := p.Cmdline(ctx, pid)
			if err != nil {
				// exited between listing and read
				continue
			}
			if !re.MatchString(cmdline) {
				continue
			}
		}
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids, nil
}

// Cmdline returns the space separated command line of pid.
func (p *ProcFS) Cmdline(ctx context.Context, pid int32) (string, error) {
	// a bare Process reads directly, NewProcess would check the pid first
	proc := &process.Process{Pid: pid}
	return proc.CmdlineWithContext(ctx)
}

// TCPConnections reads net/tcp and net/tcp6 and returns every connection
// keyed by its canonical key.
func (p *ProcFS) TCPConnections(ctx context.Context) (map[ConnKey]TCPConnection, error) {
	conns := make(map[ConnKey]TCPConnection)
	for _, name := range []string{"tcp", "tcp6"} {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		path := hostProc("net", name)
		f, err := os.Open(path)
		if err != nil {
			if name == "tcp6" && os.IsNotExist(err) {
				// kernel without ipv6
				continue
			}
			return nil, errors.Wrapf(err, "open %s", path)
		}
		skipped, err := parseTCPTable(f, conns)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		if skipped > 0 && p.Logger != nil {
			p.Logger.Debug("skipped malformed connection rows", "path", path, "rows", skipped)
		}
	}
	return conns, nil
}

// FileDescriptors returns the descriptor table of pid. Entries whose link
// cannot be read are skipped.
func (p *ProcFS) FileDescriptors(ctx context.Context, pid int32) (map[int]FileDescriptor, error) {
	proc := &process.Process{Pid: pid}
	files, err := proc.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "read descriptors of pid %d", pid)
	}

	fds := make(map[int]FileDescriptor, len(files))
	for _, f := range files {
		fd := int(f.Fd)
		fds[fd] = classifyFd(pid, fd, f.Path)
	}
	return fds, nil
}

// parseTCPTable parses the /proc/net/tcp{,6} format:
//
//	sl  local_address rem_address   st tx_queue:rx_queue tr:tm->when retrnsmt uid timeout inode
//
// Malformed rows are skipped and counted.
func parseTCPTable(r io.Reader, conns map[ConnKey]TCPConnection) (skipped int, err error) {
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 10 {
			skipped++
			continue
		}
		conn, err := parseTCPLine(fields)
		if err != nil {
			skipped++
			continue
		}
		conns[conn.Key()] = conn
	}
	return skipped, sc.Err()
}

func parseTCPLine(fields []string) (TCPConnection, error) {
	var conn TCPConnection
	var err error

	if conn.LocalIP, conn.LocalPort, err = parseHexAddr(fields[1]); err != nil {
		return conn, err
	}
	if conn.RemoteIP, conn.RemotePort, err = parseHexAddr(fields[2]); err != nil {
		return conn, err
	}
	state, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil {
		return conn, errors.Wrapf(err, "state %q", fields[3])
	}
	conn.State = TCPState(state)

	if tx, rx, ok := strings.Cut(fields[4], ":"); ok {
		conn.TxQueue, _ = strconv.ParseUint(tx, 16, 64)
		conn.RxQueue, _ = strconv.ParseUint(rx, 16, 64)
	}
	conn.Retransmit, _ = strconv.ParseUint(fields[6], 16, 64)
	uid, _ := strconv.ParseUint(fields[7], 10, 32)
	conn.UID = uint32(uid)
	if conn.Inode, err = strconv.ParseUint(fields[9], 10, 64); err != nil {
		return conn, errors.Wrapf(err, "inode %q", fields[9])
	}
	return conn, nil
}

// parseHexAddr decodes "0100007F:0050" into ("127.0.0.1", 80). The address
// is stored as 32-bit words in host byte order.
func parseHexAddr(s string) (string, uint16, error) {
	addr, port, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, errors.Errorf("malformed address %q", s)
	}
	raw, err := hex.DecodeString(addr)
	if err != nil || (len(raw) != net.IPv4len && len(raw) != net.IPv6len) {
		return "", 0, errors.Errorf("malformed address %q", s)
	}
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}
	ip := net.IP(raw)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	p, err := strconv.ParseUint(port, 16, 16)
	if err != nil {
		return "", 0, errors.Errorf("malformed port %q", s)
	}
	return ip.String(), uint16(p), nil
}
