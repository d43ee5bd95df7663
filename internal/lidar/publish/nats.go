package publish

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
)

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// NATSPublisher publishes encoded frames on lidar.<sensor>.points.
// Until Connect succeeds publishing is a no-op.
type NATSPublisher struct {
	prefix string

	mu        sync.Mutex
	conn      natsConn
	enabled   bool
	published uint64
}

// NewNATSPublisher creates a publisher for subjects under prefix
// (default "lidar").
func NewNATSPublisher(prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "lidar"
	}
	return &NATSPublisher{prefix: prefix}
}

// Connect dials the NATS server with automatic reconnects.
func (p *NATSPublisher) Connect(natsURL string) error {
	opts := []nats.Option{
		nats.Name("lidarsim"),
		nats.Timeout(2 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logf("NATS reconnected: %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logf("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}
	p.attach(nc)
	logf("NATS connected to %s", natsURL)
	return nil
}

func (p *NATSPublisher) attach(c natsConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
	p.enabled = true
}

// Subject returns the subject frames of the named sensor go to. Characters
// that are special in NATS subjects are replaced.
func (p *NATSPublisher) Subject(sensorName string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, sensorName)
	if token == "" {
		token = "_"
	}
	return p.prefix + "." + token + ".points"
}

// PublishFrame encodes b and publishes it on the sensor's subject.
func (p *NATSPublisher) PublishFrame(b *visualiser.FrameBundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled || p.conn == nil {
		return nil
	}

	data, err := visualiser.EncodeFrame(b)
	if err != nil {
		return err
	}
	subject := p.Subject(b.SensorName)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to NATS on %s: %w", subject, err)
	}
	p.published++
	return nil
}

// Published returns the number of frames handed to the connection.
func (p *NATSPublisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Close flushes pending frames and closes the connection.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	if err := p.conn.Flush(); err != nil {
		logf("NATS flush: %v", err)
	}
	p.conn.Close()
	p.conn = nil
	p.enabled = false
}
