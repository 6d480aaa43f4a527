package pidstat

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PacketEvent is the compact record the capture loop hands to the engine.
type PacketEvent struct {
	Time    time.Time
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
	// Length is the TCP segment length, header included.
	Length int
}

// SendKey is the connection key when the source is the local side.
func (e PacketEvent) SendKey() ConnKey {
	return NewConnKey(e.SrcIP, e.SrcPort, e.DstIP, e.DstPort)
}

// RecvKey is the connection key when the destination is the local side.
func (e PacketEvent) RecvKey() ConnKey {
	return NewConnKey(e.DstIP, e.DstPort, e.SrcIP, e.SrcPort)
}

// Decoder turns raw frames into PacketEvents. Only IPv4/TCP frames produce
// an event. A Decoder is not safe for concurrent use.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	vlan    layers.Dot1Q
	ip4     layers.IPv4
	tcp     layers.TCP
	decoded []gopacket.LayerType
}

// NewDecoder creates a decoder for frames of the given link type. Linux
// cooked captures (the "any" device) start with an SLL header, everything
// else is treated as Ethernet.
func NewDecoder(link layers.LinkType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	first := layers.LayerTypeEthernet
	if link == layers.LinkTypeLinuxSLL {
		first = layers.LayerTypeLinuxSLL
	}
	d.parser = gopacket.NewDecodingLayerParser(first, &d.eth, &d.sll, &d.vlan, &d.ip4, &d.tcp)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode extracts the addressing and segment length of an IPv4/TCP frame.
func (d *Decoder) Decode(frame []byte) (PacketEvent, bool) {
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return PacketEvent{}, false
	}

	var hasIP, hasTCP bool
	for _, typ := range d.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			hasIP = true
		case layers.LayerTypeTCP:
			hasTCP = true
		}
	}
	if !hasIP || !hasTCP || d.ip4.FragOffset != 0 {
		return PacketEvent{}, false
	}

	// The IP header carries the real length even when the capture was
	// truncated by the snap length.
	length := int(d.ip4.Length) - int(d.ip4.IHL)*4
	if length < 0 {
		return PacketEvent{}, false
	}

	return PacketEvent{
		SrcIP:   d.ip4.SrcIP.String(),
		SrcPort: uint16(d.tcp.SrcPort),
		DstIP:   d.ip4.DstIP.String(),
		DstPort: uint16(d.tcp.DstPort),
		Length:  length,
	}, true
}
