// Package publish forwards simulated captures to network consumers: UDP
// datagrams (optionally mirrored to a pcap file), NATS subjects and
// websocket clients.
package publish

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

var logf = monitoring.Component("Publish")

// Datagram framing: magic | frame seq u32 | chunk index u16 | chunk count u16.
const (
	datagramHeaderLen = 12
	// DefaultMaxDatagram keeps datagrams under a typical 1500 byte MTU.
	DefaultMaxDatagram = 1400
)

var datagramMagic = [4]byte{'L', 'S', 'D', 'G'}

// ErrBadDatagram is returned by Reassembler for foreign or corrupt input.
var ErrBadDatagram = errors.New("malformed datagram")

// Chunk splits an encoded frame into datagrams of at most maxDatagram bytes.
func Chunk(frame []byte, seq uint32, maxDatagram int) ([][]byte, error) {
	payload := maxDatagram - datagramHeaderLen
	if payload <= 0 {
		return nil, fmt.Errorf("datagram size %d too small", maxDatagram)
	}
	count := (len(frame) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	if count > 0xffff {
		return nil, fmt.Errorf("frame of %d bytes needs %d datagrams", len(frame), count)
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * payload
		hi := min(lo+payload, len(frame))
		d := make([]byte, 0, datagramHeaderLen+hi-lo)
		d = append(d, datagramMagic[:]...)
		d = binary.BigEndian.AppendUint32(d, seq)
		d = binary.BigEndian.AppendUint16(d, uint16(i))
		d = binary.BigEndian.AppendUint16(d, uint16(count))
		out = append(out, append(d, frame[lo:hi]...))
	}
	return out, nil
}

// Reassembler rebuilds frames from datagrams. Datagrams of an older frame
// arriving after a newer one started are discarded, as is any incomplete
// frame superseded by a newer sequence.
type Reassembler struct {
	seq    uint32
	active bool
	parts  [][]byte
	have   int
}

// Add consumes one datagram and returns the frame once all its chunks
// arrived.
func (r *Reassembler) Add(d []byte) ([]byte, bool, error) {
	if len(d) < datagramHeaderLen || [4]byte(d[:4]) != datagramMagic {
		return nil, false, ErrBadDatagram
	}
	seq := binary.BigEndian.Uint32(d[4:])
	idx := int(binary.BigEndian.Uint16(d[8:]))
	count := int(binary.BigEndian.Uint16(d[10:]))
	if count == 0 || idx >= count {
		return nil, false, fmt.Errorf("%w: chunk %d of %d", ErrBadDatagram, idx, count)
	}

	if !r.active || seq != r.seq {
		if r.active && int32(seq-r.seq) < 0 {
			return nil, false, nil
		}
		r.seq, r.active = seq, true
		r.parts = make([][]byte, count)
		r.have = 0
	}
	if len(r.parts) != count {
		return nil, false, fmt.Errorf("%w: chunk count changed within frame %d", ErrBadDatagram, seq)
	}
	if r.parts[idx] == nil {
		r.parts[idx] = append([]byte(nil), d[datagramHeaderLen:]...)
		r.have++
	}
	if r.have < count {
		return nil, false, nil
	}

	var frame []byte
	for _, p := range r.parts {
		frame = append(frame, p...)
	}
	r.active = false
	r.parts = nil
	return frame, true, nil
}

// Forwarder sends encoded frames as UDP datagrams without blocking the
// caller. Datagrams may also be mirrored to a pcap recorder.
type Forwarder struct {
	conn        net.Conn
	channel     chan []byte
	logInterval time.Duration
	address     string
	maxDatagram int

	seq      atomic.Uint32
	sent     atomic.Uint64
	dropped  atomic.Uint64
	mu       sync.Mutex
	recorder *PcapRecorder
	done     chan struct{}
	closed   sync.Once
}

// NewForwarder creates a forwarder that sends datagrams to addr:port.
func NewForwarder(addr string, port int, logInterval time.Duration) (*Forwarder, error) {
	forwardAddress := net.JoinHostPort(addr, fmt.Sprint(port))
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	if logInterval <= 0 {
		logInterval = 10 * time.Second
	}
	return &Forwarder{
		conn:        conn,
		channel:     make(chan []byte, 1000),
		logInterval: logInterval,
		address:     forwardAddress,
		maxDatagram: DefaultMaxDatagram,
		done:        make(chan struct{}),
	}, nil
}

// SetRecorder mirrors every sent datagram into rec. Nil disables it.
func (f *Forwarder) SetRecorder(rec *PcapRecorder) {
	f.mu.Lock()
	f.recorder = rec
	f.mu.Unlock()
}

// Start begins the goroutine draining the datagram queue. Write errors are
// counted and summarised every log interval.
func (f *Forwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
					f.dropped.Add(1)
					continue
				}
				f.sent.Add(1)
				f.mu.Lock()
				rec := f.recorder
				f.mu.Unlock()
				if rec != nil {
					if err := rec.WritePacket(packet, time.Now()); err != nil {
						lastError = err
						droppedCount++
					}
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					logf("Dropped %d forwarded datagrams due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	logf("Forwarding frames to %s", f.address)
}

// ForwardAsync queues a datagram. When the queue is full the datagram is
// dropped and counted.
func (f *Forwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.dropped.Add(1)
	}
}

// PublishFrame encodes b and queues its datagrams.
func (f *Forwarder) PublishFrame(b *visualiser.FrameBundle) error {
	data, err := visualiser.EncodeFrame(b)
	if err != nil {
		return err
	}
	chunks, err := Chunk(data, f.seq.Add(1), f.maxDatagram)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		f.ForwardAsync(c)
	}
	return nil
}

// Addrs returns the local and remote UDP endpoints, suitable for a pcap
// recorder mirroring this forwarder.
func (f *Forwarder) Addrs() (local, remote *net.UDPAddr) {
	local, _ = f.conn.LocalAddr().(*net.UDPAddr)
	remote, _ = f.conn.RemoteAddr().(*net.UDPAddr)
	return local, remote
}

// Sent returns the number of datagrams written.
func (f *Forwarder) Sent() uint64 { return f.sent.Load() }

// Dropped returns the number of datagrams lost to a full queue or a write
// error.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

// Close stops the drain goroutine and closes the connection.
func (f *Forwarder) Close() error {
	var err error
	f.closed.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
