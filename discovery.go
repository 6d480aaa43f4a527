package pidstat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DefaultProcRoot is where procfs is mounted unless HOST_PROC says otherwise.
const DefaultProcRoot = "/proc"

// Introspector reads the OS tables the ownership join needs.
type Introspector interface {
	// ListPids returns all pids, or the ones whose command line matches re.
	ListPids(ctx context.Context, re *regexp.Regexp) ([]int32, error)
	// TCPConnections returns the system-wide TCP connection table.
	TCPConnections(ctx context.Context) (map[ConnKey]TCPConnection, error)
	// FileDescriptors returns the descriptor table of one process. It fails
	// when the process has exited.
	FileDescriptors(ctx context.Context, pid int32) (map[int]FileDescriptor, error)
}

// ProcFS reads process and socket tables from procfs. The mount point is
// taken from HOST_PROC, the same variable gopsutil honours, so a container
// with the host /proc mounted elsewhere only needs the env set.
type ProcFS struct {
	// Logger receives debug notes about skipped table rows, optional.
	Logger *slog.Logger
}

// NewProcFS creates a ProcFS. logger may be nil.
func NewProcFS(logger *slog.Logger) *ProcFS {
	return &ProcFS{Logger: logger}
}

func hostProc(elem ...string) string {
	root := os.Getenv("HOST_PROC")
	if root == "" {
		root = DefaultProcRoot
	}
	return filepath.Join(append([]string{root}, elem...)...)
}

// PidConnections maps a pid to the established connections it owns.
type PidConnections map[int32]map[ConnKey]TCPConnection

// DiscoverConnections joins the connection table with the descriptor table of
// every pid. A pid whose descriptors cannot be read contributes an empty set.
func DiscoverConnections(ctx context.Context, in Introspector, pids []int32, logger *slog.Logger) (PidConnections, error) {
	table, err := in.TCPConnections(ctx)
	if err != nil {
		return nil, err
	}

	byInode := make(map[uint64]TCPConnection, len(table))
	for _, conn := range table {
		if conn.State != TCPEstablished || conn.Inode == 0 {
			continue
		}
		byInode[conn.Inode] = conn
	}

	result := make(PidConnections, len(pids))
	for _, pid := range pids {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		owned := make(map[ConnKey]TCPConnection)
		result[pid] = owned

		fds, err := in.FileDescriptors(ctx, pid)
		if err != nil {
			logger.Debug("skip descriptors", "pid", pid, "err", err)
			continue
		}
		for _, fd := range fds {
			inode, ok := fd.SocketInode()
			if !ok {
				continue
			}
			if conn, ok := byInode[inode]; ok {
				owned[conn.Key()] = conn
			}
		}
	}
	return result, nil
}

// classifyFd tags a descriptor by the prefix of its link target. The target
// itself is never opened or stat'ed.
func classifyFd(pid int32, fd int, link string) FileDescriptor {
	desc := FileDescriptor{FD: fd, Pid: pid, Kind: FdOther, Target: link}
	switch {
	case strings.HasPrefix(link, "socket:["):
		inode, err := strconv.ParseUint(strings.TrimSuffix(link[len("socket:["):], "]"), 10, 64)
		if err != nil {
			return desc
		}
		desc.Kind = FdSocket
		desc.inode = inode
	case strings.HasPrefix(link, "anon_inode:"):
		desc.Kind = FdAnonInode
	case strings.HasPrefix(link, "/dev/"):
		// devices and ptys
	case strings.HasPrefix(link, "/"):
		desc.Kind = FdRegular
	}
	return desc
}
