// Package visualiser streams simulated LiDAR captures to viewer clients
// over gRPC.
//
// The package holds:
// - the canonical frame model (FrameBundle) built from sensor captures
// - the binary frame codec shared with the other network outputs
// - the gRPC publisher and its client
package visualiser

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/lidarsim/internal/monitoring"
)

var logf = monitoring.Component("Visualiser")

// maxMsgSize covers full-resolution frames (64 × 2048 points ≈ 2.6 MB).
const maxMsgSize = 16 * 1024 * 1024

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client frame queue length
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: 10,
	}
}

// Publisher manages the gRPC server and frame streaming.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	// Frame broadcasting
	frameChan chan *FrameBundle
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	// Stats
	frameCount     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64
	lastStatsMu    sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id      string
	request StreamRequest
	frameCh chan *FrameBundle
	doneCh  chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *FrameBundle, 100),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := p.Serve(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// Serve starts the broadcast loop and serves gRPC on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	p.server.RegisterService(&serviceDesc, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	// Streams block on their client channels; closing doneCh releases them
	// before GracefulStop waits for handlers.
	p.clientsMu.Lock()
	for id, c := range p.clients {
		close(c.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()

	p.server.GracefulStop()
	p.wg.Wait()
	logf("gRPC server stopped")
}

// Publish queues a frame for all connected clients. Frames are dropped when
// the queue is full.
func (p *Publisher) Publish(frame *FrameBundle) {
	if !p.running.Load() || frame == nil {
		return
	}

	pointCount := 0
	if frame.PointCloud != nil {
		pointCount = frame.PointCloud.PointCount
	}
	queueDepth := len(p.frameChan)
	if queueDepth > cap(p.frameChan)/2 {
		logf("WARNING: Frame queue depth high: %d/%d", queueDepth, cap(p.frameChan))
	}

	select {
	case p.frameChan <- frame:
		count := p.frameCount.Add(1)
		p.logPeriodicStats(count, pointCount, queueDepth)
	default:
		dropped := p.droppedFrames.Add(1)
		logf("DROPPED frame %s/%d (total dropped: %d), channel full, points=%d",
			frame.SensorName, frame.FrameID, dropped, pointCount)
	}
}

// logPeriodicStats logs performance stats every 5 seconds.
func (p *Publisher) logPeriodicStats(frameCount uint64, pointCount, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		framesInInterval := frameCount - p.lastFrameCount
		fps := float64(framesInInterval) / elapsed.Seconds()
		logf("Stats: fps=%.1f frames=%d dropped=%d clients=%d queue=%d/%d last_frame: points=%d",
			fps, framesInInterval, p.droppedFrames.Load(), p.clientCount.Load(),
			queueDepth, cap(p.frameChan), pointCount)
		p.lastStatsTime = now
		p.lastFrameCount = frameCount
	}
}

// broadcastLoop distributes frames to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				if !client.request.wants(frame) {
					continue
				}
				select {
				case client.frameCh <- frame:
				default:
					// Slow client.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client. It fails when MaxClients
// streams are already connected.
func (p *Publisher) addClient(id string, req StreamRequest) (*clientStream, error) {
	client := &clientStream{
		id:      id,
		request: req,
		frameCh: make(chan *FrameBundle, p.config.ClientBuffer),
		doneCh:  make(chan struct{}),
	}

	p.clientsMu.Lock()
	if !p.running.Load() {
		p.clientsMu.Unlock()
		return nil, fmt.Errorf("publisher stopped")
	}
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		p.clientsMu.Unlock()
		return nil, fmt.Errorf("client limit %d reached", p.config.MaxClients)
	}
	p.clients[id] = client
	p.clientCount.Add(1)
	p.clientsMu.Unlock()

	logf("Client connected: %s (total: %d)", id, p.clientCount.Load())
	return client, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	if ok {
		close(client.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()
	if ok {
		logf("Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64
	DroppedFrames uint64
	ClientCount   int32
	Running       bool
}

// Addr returns the listener address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}
