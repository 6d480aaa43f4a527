//go:build linux
// +build linux

package pidstat

import (
	"context"
	"log/slog"
	"net"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkIntrospector dumps the TCP connection table through sock_diag
// instead of parsing net/tcp. Process and descriptor tables still come
// from procfs.
type NetlinkIntrospector struct {
	*ProcFS
}

// NewNetlinkIntrospector creates an introspector. logger may be nil.
func NewNetlinkIntrospector(logger *slog.Logger) Introspector {
	return &NetlinkIntrospector{ProcFS: NewProcFS(logger)}
}

func (n *NetlinkIntrospector) TCPConnections(ctx context.Context) (map[ConnKey]TCPConnection, error) {
	conns := make(map[ConnKey]TCPConnection)
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sockets, err := netlink.SocketDiagTCP(family)
		if err != nil {
			if family == unix.AF_INET6 {
				continue
			}
			return nil, errors.Wrap(err, "sock_diag dump")
		}
		for _, s := range sockets {
			conn := TCPConnection{
				LocalIP:    ipString(s.ID.Source),
				LocalPort:  s.ID.SourcePort,
				RemoteIP:   ipString(s.ID.Destination),
				RemotePort: s.ID.DestinationPort,
				State:      TCPState(s.State),
				TxQueue:    uint64(s.WQueue),
				RxQueue:    uint64(s.RQueue),
				Retransmit: uint64(s.Retrans),
				UID:        s.UID,
				Inode:      uint64(s.INode),
			}
			conns[conn.Key()] = conn
		}
	}
	return conns, nil
}

func ipString(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
