package lidardb

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarsim/internal/lidar/model"
	"github.com/banshee-data/lidarsim/internal/monitoring"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	db, err := Open(filepath.Join(t.TempDir(), "captures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesToLatest(t *testing.T) {
	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	require.NoError(t, db.MigrateUp())
}

func TestCaptureLog(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, db.RegisterSensor(ctx, id, "roof", model.RangeMeterConfiguration()))
	// Registering again updates in place.
	require.NoError(t, db.RegisterSensor(ctx, id, "roof-front", model.RangeMeterConfiguration()))

	sensors, err := db.Sensors(ctx)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "roof-front", sensors[0].Name)
	assert.Equal(t, 1, sensors[0].RayCount)
	assert.False(t, sensors[0].RegisteredAt.IsZero())

	vlp, err := model.ByModel(model.VelodyneVLP16)
	require.NoError(t, err)
	require.NoError(t, db.RecordModelChange(ctx, id, vlp))

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := db.RecordCapture(ctx, CaptureRecord{
			SensorID:   id,
			Sequence:   seq,
			TickSeq:    seq * 6,
			Frame:      seq * 6,
			PointCount: int(seq) * 10,
			Distorted:  seq == 2,
			Linear:     [3]float64{0, 0, 5},
		})
		require.NoError(t, err)
	}

	captures, err := db.Captures(ctx, id, 2)
	require.NoError(t, err)
	require.Len(t, captures, 2)
	assert.Equal(t, uint64(3), captures[0].Sequence)
	assert.Equal(t, 30, captures[0].PointCount)
	assert.True(t, captures[1].Distorted)
	assert.Equal(t, 5.0, captures[1].Linear[2])
	assert.Equal(t, id, captures[0].SensorID)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].Captures)
	assert.InDelta(t, 20, stats[0].MeanPoints, 1e-9)
	assert.Equal(t, uint64(3), stats[0].LastSequence)
	assert.Equal(t, model.VelodyneVLP16.String(), stats[0].Model)
}

func TestRecordCapture_UnknownSensor(t *testing.T) {
	db := openTestDB(t)
	_, err := db.RecordCapture(context.Background(), CaptureRecord{SensorID: uuid.New(), Sequence: 1})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestAdminBackup(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RegisterSensor(context.Background(), uuid.New(), "roof", model.RangeMeterConfiguration()))

	rec := httptest.NewRecorder()
	db.serveBackup(rec, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
