package visualiser

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/lidarsim/internal/monitoring"
)

func startBufconn(t *testing.T, cfg Config) (*Publisher, *Client) {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pub, NewClient(conn)
}

func waitForClients(t *testing.T, pub *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return pub.Stats().ClientCount == n },
		2*time.Second, 5*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:50051", cfg.ListenAddr)
	assert.Equal(t, 5, cfg.MaxClients)
	assert.Equal(t, 10, cfg.ClientBuffer)
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(Config{})
	pub.Publish(testBundle(1))
	pub.Stop()

	st := pub.Stats()
	assert.False(t, st.Running)
	assert.Zero(t, st.FrameCount)
	assert.Nil(t, pub.Addr())
}

func TestPublisher_StreamsFrames(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rx, err := client.StreamFrames(ctx, StreamRequest{IncludePoints: true})
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	want := testBundle(12)
	pub.Publish(want)

	got, err := rx.Recv()
	require.NoError(t, err)
	assert.Equal(t, want.FrameID, got.FrameID)
	assert.Equal(t, "roof", got.SensorName)
	assert.Equal(t, FrameLidar, got.CoordinateFrame)
	require.NotNil(t, got.PointCloud)
	assert.Equal(t, want.PointCloud.X, got.PointCloud.X)
	assert.Equal(t, want.LidarPose, got.LidarPose)

	st, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.FrameCount)
	assert.Equal(t, int32(1), st.ClientCount)
	assert.True(t, st.Running)
}

func TestPublisher_RequestShapesFrames(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	headers, err := client.StreamFrames(ctx, StreamRequest{SensorID: "roof"})
	require.NoError(t, err)
	decimated, err := client.StreamFrames(ctx, StreamRequest{
		IncludePoints:   true,
		Decimation:      DecimationUniform,
		DecimationRatio: 0.5,
	})
	require.NoError(t, err)
	short, stop := context.WithTimeout(ctx, 300*time.Millisecond)
	defer stop()
	other, err := client.StreamFrames(short, StreamRequest{SensorID: "bumper", IncludePoints: true})
	require.NoError(t, err)
	waitForClients(t, pub, 3)

	b := testBundle(20)
	pub.Publish(b)

	got, err := headers.Recv()
	require.NoError(t, err)
	assert.Nil(t, got.PointCloud)

	got, err = decimated.Recv()
	require.NoError(t, err)
	require.NotNil(t, got.PointCloud)
	assert.Equal(t, 10, got.PointCloud.PointCount)
	assert.Equal(t, DecimationUniform, got.PointCloud.DecimationMode)

	// The shared bundle is untouched by per-client decimation.
	assert.Equal(t, 20, b.PointCloud.PointCount)

	// A stream for another sensor sees nothing until its context ends.
	_, err = other.Recv()
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestPublisher_MaxClients(t *testing.T) {
	pub, client := startBufconn(t, Config{MaxClients: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.StreamFrames(ctx, StreamRequest{})
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	rx, err := client.StreamFrames(ctx, StreamRequest{})
	require.NoError(t, err)
	_, err = rx.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rx, err := client.StreamFrames(ctx, StreamRequest{})
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	done := make(chan error, 1)
	go func() {
		_, err := rx.Recv()
		done <- err
	}()
	pub.Stop()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after Stop")
	}
	assert.False(t, pub.Stats().Running)
	assert.Zero(t, pub.Stats().ClientCount)
}

func TestPublisher_DropsWhenClientIsSlow(t *testing.T) {
	pub, client := startBufconn(t, Config{ClientBuffer: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Register a stream but never read from it.
	_, err := client.StreamFrames(ctx, StreamRequest{IncludePoints: true})
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	for i := 0; i < 200; i++ {
		pub.Publish(testBundle(1000))
	}
	require.Eventually(t, func() bool { return pub.Stats().DroppedFrames > 0 },
		2*time.Second, 5*time.Millisecond)
}
