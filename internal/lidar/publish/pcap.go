package publish

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65536

// PcapRecorder writes datagrams into a pcap stream as Ethernet/IPv4/UDP
// packets so captures can be replayed with standard tooling.
type PcapRecorder struct {
	mu       sync.Mutex
	w        *pcapgo.Writer
	src, dst *net.UDPAddr
	ipID     uint16
	count    int
}

// NewPcapRecorder writes the file header to w. src and dst are the
// addresses stamped on every packet; both must be IPv4.
func NewPcapRecorder(w io.Writer, src, dst *net.UDPAddr) (*PcapRecorder, error) {
	if src == nil || dst == nil || src.IP.To4() == nil || dst.IP.To4() == nil {
		return nil, fmt.Errorf("pcap recorder needs IPv4 source and destination")
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &PcapRecorder{w: pw, src: src, dst: dst}, nil
}

// WritePacket appends payload as one UDP packet captured at ts.
func (r *PcapRecorder) WritePacket(payload []byte, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ipID++
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       r.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    r.src.IP.To4(),
		DstIP:    r.dst.IP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(r.src.Port),
		DstPort: layers.UDPPort(r.dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialising packet: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	if err := r.w.WritePacket(ci, data); err != nil {
		return err
	}
	r.count++
	return nil
}

// Count returns the number of packets written.
func (r *PcapRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ReadPcap calls fn with the UDP payload of every packet in a pcap stream
// whose destination port is port (0 accepts any).
func ReadPcap(rd io.Reader, port int, fn func(ts time.Time, payload []byte) error) (int, error) {
	pr, err := pcapgo.NewReader(rd)
	if err != nil {
		return 0, fmt.Errorf("opening pcap: %w", err)
	}

	src := gopacket.NewPacketSource(pr, pr.LinkType())
	n := 0
	for {
		packet, err := src.NextPacket()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reading packet %d: %w", n+1, err)
		}
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if port != 0 && int(udp.DstPort) != port {
			continue
		}
		n++
		if err := fn(packet.Metadata().Timestamp, udp.Payload); err != nil {
			return n, err
		}
	}
}
