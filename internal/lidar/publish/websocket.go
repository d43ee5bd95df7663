package publish

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
)

// FrameSummary is the JSON message sent to websocket clients per capture.
type FrameSummary struct {
	SensorID        string     `json:"sensor_id"`
	Sensor          string     `json:"sensor"`
	Frame           uint64     `json:"frame"`
	Tick            uint64     `json:"tick"`
	TimestampNanos  int64      `json:"timestamp_ns"`
	CoordinateFrame string     `json:"coordinate_frame"`
	Points          int        `json:"points"`
	Distorted       bool       `json:"distorted"`
	Position        [3]float64 `json:"position"`
	LinearVelocity  [3]float64 `json:"linear_velocity"`
}

// Summarise reduces a bundle to its summary.
func Summarise(b *visualiser.FrameBundle) FrameSummary {
	s := FrameSummary{
		SensorID:        b.SensorID,
		Sensor:          b.SensorName,
		Frame:           b.FrameID,
		Tick:            b.Tick,
		TimestampNanos:  b.TimestampNanos,
		CoordinateFrame: b.CoordinateFrame.String(),
		Distorted:       b.Distorted,
		LinearVelocity:  b.LinearVelocity,
	}
	p := b.LidarPose.Position()
	s.Position = [3]float64{p.X, p.Y, p.Z}
	if b.PointCloud != nil {
		s.Points = b.PointCloud.PointCount
	}
	return s
}

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub keeps the websocket clients and broadcasts frame summaries to them.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FrameSummary
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	mu        sync.Mutex
	connCount int
	dropped   uint64
}

// NewHub creates a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FrameSummary, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run serves registrations and broadcasts until ctx ends, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			c.Close()
			delete(h.clients, c)
		}
		h.setCount(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			if !h.clients[c] {
				h.clients[c] = true
				h.setCount(len(h.clients))
				logf("websocket client connected: %s (total: %d)", c.RemoteAddr(), len(h.clients))
			}

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
				h.setCount(len(h.clients))
				logf("websocket client disconnected: %s (total: %d)", c.RemoteAddr(), len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteJSON(msg); err != nil {
					logf("websocket write failed, removing %s: %v", c.RemoteAddr(), err)
					c.Close()
					delete(h.clients, c)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.connCount = n
	h.mu.Unlock()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connCount
}

// Dropped returns the number of summaries dropped because the broadcast
// queue was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Broadcast queues a summary without blocking.
func (h *Hub) Broadcast(s FrameSummary) {
	if h.Count() == 0 {
		return
	}
	select {
	case h.broadcast <- s:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// PublishFrame broadcasts the summary of b.
func (h *Hub) PublishFrame(b *visualiser.FrameBundle) error {
	h.Broadcast(Summarise(b))
	return nil
}

// ServeHTTP upgrades the request and registers the connection. Incoming
// messages are read and discarded until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade: %v", err)
		return
	}

	select {
	case h.register <- conn:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logf("websocket read: %v", err)
				}
				// Run may already be gone.
				select {
				case h.unregister <- conn:
				case <-time.After(writeWait):
					conn.Close()
				}
				return
			}
		}
	}()
}
