package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
)

// SensorSnapshot is the rolling state of one sensor as seen by the monitor.
type SensorSnapshot struct {
	SensorID     string    `json:"sensor_id"`
	Name         string    `json:"name"`
	Captures     int64     `json:"captures"`
	Points       int64     `json:"points"`
	LastFrame    uint64    `json:"last_frame"`
	LastPoints   int       `json:"last_points"`
	LastCaptured time.Time `json:"last_captured"`
}

// CaptureStats tracks per-sensor capture statistics and the latest frame
// of each sensor. It is a publish.Sink.
type CaptureStats struct {
	mu        sync.Mutex
	sensors   map[string]*sensorStats
	startTime time.Time

	// counters since the last LogStats
	captures  int64
	points    int64
	lastReset time.Time
}

type sensorStats struct {
	snapshot SensorSnapshot
	latest   *visualiser.FrameBundle
}

// NewCaptureStats creates an empty tracker.
func NewCaptureStats() *CaptureStats {
	now := time.Now()
	return &CaptureStats{
		sensors:   make(map[string]*sensorStats),
		startTime: now,
		lastReset: now,
	}
}

// PublishFrame records b as the latest frame of its sensor.
func (cs *CaptureStats) PublishFrame(b *visualiser.FrameBundle) error {
	points := 0
	if b.PointCloud != nil {
		points = b.PointCloud.PointCount
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	st, ok := cs.sensors[b.SensorName]
	if !ok {
		st = &sensorStats{snapshot: SensorSnapshot{SensorID: b.SensorID, Name: b.SensorName}}
		cs.sensors[b.SensorName] = st
	}
	st.snapshot.Captures++
	st.snapshot.Points += int64(points)
	st.snapshot.LastFrame = b.FrameID
	st.snapshot.LastPoints = points
	st.snapshot.LastCaptured = time.Now()
	st.latest = b
	cs.captures++
	cs.points += int64(points)
	return nil
}

// Snapshot returns all sensors ordered by name.
func (cs *CaptureStats) Snapshot() []SensorSnapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]SensorSnapshot, 0, len(cs.sensors))
	for _, st := range cs.sensors {
		out = append(out, st.snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sensor returns the snapshot of the named sensor.
func (cs *CaptureStats) Sensor(name string) (SensorSnapshot, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	st, ok := cs.sensors[name]
	if !ok {
		return SensorSnapshot{}, false
	}
	return st.snapshot, true
}

// Latest returns the most recent frame of the named sensor, or nil.
func (cs *CaptureStats) Latest(name string) *visualiser.FrameBundle {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if st, ok := cs.sensors[name]; ok {
		return st.latest
	}
	return nil
}

// GetUptime returns the time since the stats were created.
func (cs *CaptureStats) GetUptime() time.Duration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return time.Since(cs.startTime)
}

// LogStats logs capture and point rates since the previous call.
func (cs *CaptureStats) LogStats() {
	cs.mu.Lock()
	now := time.Now()
	duration := now.Sub(cs.lastReset)
	captures, points := cs.captures, cs.points
	cs.captures, cs.points = 0, 0
	cs.lastReset = now
	cs.mu.Unlock()

	if captures == 0 || duration <= 0 {
		return
	}
	logf("Lidar stats (/sec): %.1f captures, %s points",
		float64(captures)/duration.Seconds(), FormatWithCommas(int64(float64(points)/duration.Seconds())))
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	sign := ""
	if n < 0 {
		sign, str = "-", str[1:]
	}
	if len(str) <= 3 {
		return sign + str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return sign + result
}
