package pidstat

import (
	"net"

	"github.com/pkg/errors"
	psnet "github.com/shirou/gopsutil/net"
)

// Interface is a host network interface.
type Interface struct {
	Name         string
	HardwareAddr string
	Addrs        []string
	Up           bool
	Loopback     bool
}

// HasIPv4 reports whether any address of the interface is IPv4.
func (i Interface) HasIPv4() bool {
	for _, addr := range i.Addrs {
		ip, _, err := net.ParseCIDR(addr)
		if err != nil {
			ip = net.ParseIP(addr)
		}
		if ip != nil && ip.To4() != nil {
			return true
		}
	}
	return false
}

// Interfaces lists the host network interfaces.
func Interfaces() ([]Interface, error) {
	stats, err := psnet.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}

	ifaces := make([]Interface, 0, len(stats))
	for _, st := range stats {
		iface := Interface{Name: st.Name, HardwareAddr: st.HardwareAddr}
		for _, addr := range st.Addrs {
			iface.Addrs = append(iface.Addrs, addr.Addr)
		}
		for _, flag := range st.Flags {
			switch flag {
			case "up":
				iface.Up = true
			case "loopback":
				iface.Loopback = true
			}
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// DefaultDevice returns the first interface that is up, not loopback and
// has an IPv4 address.
func DefaultDevice() (string, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return "", err
	}
	return pickDevice(ifaces)
}

func pickDevice(ifaces []Interface) (string, error) {
	for _, iface := range ifaces {
		if iface.Up && !iface.Loopback && iface.HasIPv4() {
			return iface.Name, nil
		}
	}
	return "", ErrNoDevice
}
