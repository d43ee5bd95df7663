package lidardb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/lidar/sensor"
)

// SensorRecord is a row of lidar_sensors.
type SensorRecord struct {
	ID           uuid.UUID
	Name         string
	Model        string
	RayCount     int
	RegisteredAt time.Time
}

// CaptureRecord is a row of lidar_captures.
type CaptureRecord struct {
	ID         int64
	SensorID   uuid.UUID
	Sequence   uint64
	TickSeq    uint64
	Frame      uint64
	PointCount int
	Distorted  bool
	Linear     [3]float64
	Angular    [3]float64
	Position   [3]float64
	CapturedAt time.Time
}

// SensorStats summarises the captures of one sensor.
type SensorStats struct {
	SensorID     uuid.UUID
	Name         string
	Model        string
	Captures     int64
	MeanPoints   float64
	LastSequence uint64
}

// RegisterSensor upserts a sensor row.
func (db *DB) RegisterSensor(ctx context.Context, id uuid.UUID, name string, cfg model.Configuration) error {
	rays, err := cfg.Rays()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO lidar_sensors (sensor_id, name, model, ray_count, registered_unix_nanos) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sensor_id) DO UPDATE SET name = excluded.name, model = excluded.model, ray_count = excluded.ray_count`,
		id.String(), name, cfg.Name, rays.Len(), time.Now().UnixNano())
	return err
}

// RecordModelChange updates the sensor's model and appends to its change
// history.
func (db *DB) RecordModelChange(ctx context.Context, id uuid.UUID, cfg model.Configuration) error {
	rays, err := cfg.Rays()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE lidar_sensors SET model = ?, ray_count = ? WHERE sensor_id = ?`,
		cfg.Name, rays.Len(), id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lidar_model_changes (sensor_id, model, ray_count) VALUES (?, ?, ?)`,
		id.String(), cfg.Name, rays.Len()); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordCapture inserts a capture row and returns its id.
func (db *DB) RecordCapture(ctx context.Context, r CaptureRecord) (int64, error) {
	if r.CapturedAt.IsZero() {
		r.CapturedAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO lidar_captures (sensor_id, sequence, tick_seq, frame, point_count, distorted,
			linear_x, linear_y, linear_z, angular_x, angular_y, angular_z,
			pose_x, pose_y, pose_z, captured_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SensorID.String(), r.Sequence, r.TickSeq, r.Frame, r.PointCount, r.Distorted,
		r.Linear[0], r.Linear[1], r.Linear[2],
		r.Angular[0], r.Angular[1], r.Angular[2],
		r.Position[0], r.Position[1], r.Position[2],
		r.CapturedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert capture: %w", err)
	}
	return res.LastInsertId()
}

// CaptureRecordFrom converts a sensor notification into a row.
func CaptureRecordFrom(c sensor.Capture, points int) CaptureRecord {
	pos := c.LidarPose.Position()
	return CaptureRecord{
		SensorID:   c.Sensor.ID(),
		Sequence:   c.Sequence,
		TickSeq:    c.Tick.Seq,
		Frame:      c.Tick.Frame,
		PointCount: points,
		Distorted:  c.Distorted,
		Linear:     [3]float64{c.LinearVelocity.X, c.LinearVelocity.Y, c.LinearVelocity.Z},
		Angular:    [3]float64{c.AngularVelocity.X, c.AngularVelocity.Y, c.AngularVelocity.Z},
		Position:   [3]float64{pos.X, pos.Y, pos.Z},
	}
}

// Captures returns the most recent captures of a sensor, newest first.
func (db *DB) Captures(ctx context.Context, id uuid.UUID, limit int) ([]CaptureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT capture_id, sensor_id, sequence, tick_seq, frame, point_count, distorted,
			linear_x, linear_y, linear_z, angular_x, angular_y, angular_z,
			pose_x, pose_y, pose_z, captured_unix_nanos
		FROM lidar_captures WHERE sensor_id = ? ORDER BY sequence DESC LIMIT ?`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		var (
			r     CaptureRecord
			sid   string
			nanos int64
		)
		if err := rows.Scan(&r.ID, &sid, &r.Sequence, &r.TickSeq, &r.Frame, &r.PointCount, &r.Distorted,
			&r.Linear[0], &r.Linear[1], &r.Linear[2],
			&r.Angular[0], &r.Angular[1], &r.Angular[2],
			&r.Position[0], &r.Position[1], &r.Position[2], &nanos); err != nil {
			return nil, err
		}
		if r.SensorID, err = uuid.Parse(sid); err != nil {
			return nil, fmt.Errorf("capture %d: %w", r.ID, err)
		}
		r.CapturedAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sensors returns every registered sensor.
func (db *DB) Sensors(ctx context.Context) ([]SensorRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT sensor_id, name, model, ray_count, registered_unix_nanos FROM lidar_sensors ORDER BY registered_unix_nanos, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SensorRecord
	for rows.Next() {
		var (
			r     SensorRecord
			sid   string
			nanos int64
		)
		if err := rows.Scan(&sid, &r.Name, &r.Model, &r.RayCount, &nanos); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		r.RegisteredAt = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates captures per registered sensor.
func (db *DB) Stats(ctx context.Context) ([]SensorStats, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.sensor_id, s.name, s.model, COUNT(c.capture_id),
			COALESCE(AVG(c.point_count), 0), COALESCE(MAX(c.sequence), 0)
		FROM lidar_sensors s LEFT JOIN lidar_captures c ON c.sensor_id = s.sensor_id
		GROUP BY s.sensor_id ORDER BY s.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SensorStats
	for rows.Next() {
		var (
			st  SensorStats
			sid string
		)
		if err := rows.Scan(&sid, &st.Name, &st.Model, &st.Captures, &st.MeanPoints, &st.LastSequence); err != nil {
			return nil, err
		}
		if st.SensorID, err = uuid.Parse(sid); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Attach registers s and logs its model changes and captures. Captures
// are counted from the compacted world-frame output.
func (db *DB) Attach(ctx context.Context, s *sensor.Sensor) error {
	if err := db.RegisterSensor(ctx, s.ID(), s.Name(), s.Configuration()); err != nil {
		return fmt.Errorf("register %s: %w", s.Name(), err)
	}
	s.OnLidarModelChange(func(sn *sensor.Sensor, cfg model.Configuration) {
		if err := db.RecordModelChange(context.Background(), sn.ID(), cfg); err != nil {
			logf("failed to record model change for %s: %v", sn.Name(), err)
		}
	})
	s.OnNewData(func(ctx context.Context, c sensor.Capture) {
		frame, err := c.Sensor.WorldPoints(ctx)
		if err != nil {
			logf("failed to read points for %s: %v", c.Sensor.Name(), err)
			return
		}
		if _, err := db.RecordCapture(ctx, CaptureRecordFrom(c, len(frame.Points))); err != nil {
			logf("failed to record capture for %s: %v", c.Sensor.Name(), err)
		}
	})
	return nil
}
