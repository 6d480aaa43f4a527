package pidstat

import (
	"strconv"
	"strings"
)

// ConnKey identifies one TCP connection as seen from the local process:
// "localIP:localPort-remoteIP:remotePort".
type ConnKey string

// NewConnKey builds the canonical key for a connection.
func NewConnKey(localIP string, localPort uint16, remoteIP string, remotePort uint16) ConnKey {
	b := make([]byte, 0, len(localIP)+len(remoteIP)+13)
	b = append(b, localIP...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(localPort), 10)
	b = append(b, '-')
	b = append(b, remoteIP...)
	b = append(b, ':')
	b = strconv.AppendUint(b, uint64(remotePort), 10)
	return ConnKey(b)
}

// Split returns the local and remote "ip:port" halves of k.
func (k ConnKey) Split() (local, remote string) {
	local, remote, _ = strings.Cut(string(k), "-")
	return local, remote
}

// TCPState is the kernel TCP socket state.
type TCPState uint8

const (
	TCPEstablished TCPState = iota + 1
	TCPSynSent
	TCPSynRecv
	TCPFinWait1
	TCPFinWait2
	TCPTimeWait
	TCPClose
	TCPCloseWait
	TCPLastAck
	TCPListen
	TCPClosing
)

var tcpStateNames = map[TCPState]string{
	TCPEstablished: "ESTABLISHED",
	TCPSynSent:     "SYN_SENT",
	TCPSynRecv:     "SYN_RECV",
	TCPFinWait1:    "FIN_WAIT1",
	TCPFinWait2:    "FIN_WAIT2",
	TCPTimeWait:    "TIME_WAIT",
	TCPClose:       "CLOSE",
	TCPCloseWait:   "CLOSE_WAIT",
	TCPLastAck:     "LAST_ACK",
	TCPListen:      "LISTEN",
	TCPClosing:     "CLOSING",
}

func (s TCPState) String() string {
	if name, ok := tcpStateNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// TCPConnection is one row of the system-wide connection table.
type TCPConnection struct {
	LocalIP    string
	LocalPort  uint16
	RemoteIP   string
	RemotePort uint16
	State      TCPState
	TxQueue    uint64
	RxQueue    uint64
	Retransmit uint64
	UID        uint32
	Inode      uint64
}

// Key returns the canonical connection key of c.
func (c TCPConnection) Key() ConnKey {
	return NewConnKey(c.LocalIP, c.LocalPort, c.RemoteIP, c.RemotePort)
}

// FdKind classifies what an open file descriptor points at.
type FdKind uint8

const (
	FdOther FdKind = iota
	FdRegular
	FdSocket
	FdAnonInode
)

func (k FdKind) String() string {
	switch k {
	case FdRegular:
		return "regular"
	case FdSocket:
		return "socket"
	case FdAnonInode:
		return "anon_inode"
	default:
		return "other"
	}
}

// FileDescriptor is one entry of a process descriptor table.
type FileDescriptor struct {
	FD     int
	Pid    int32
	Kind   FdKind
	Target string

	inode uint64
}

// SocketInode returns the socket inode for FdSocket descriptors.
func (f FileDescriptor) SocketInode() (uint64, bool) {
	if f.Kind != FdSocket {
		return 0, false
	}
	return f.inode, true
}
