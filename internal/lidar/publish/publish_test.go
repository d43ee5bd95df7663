package publish

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidarsim/internal/lidar/geom"
	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
	"github.com/banshee-data/lidarsim/internal/testutil"
)

func bundle(name string, points int) *visualiser.FrameBundle {
	pc := &visualiser.PointCloudFrame{PointCount: points}
	for i := 0; i < points; i++ {
		pc.X = append(pc.X, float32(i))
		pc.Y = append(pc.Y, 0)
		pc.Z = append(pc.Z, 10)
		pc.Distance = append(pc.Distance, 10)
		pc.Ring = append(pc.Ring, int32(i%16))
	}
	return &visualiser.FrameBundle{
		FrameID:    7,
		Tick:       21,
		SensorID:   "id-" + name,
		SensorName: name,
		LidarPose:  geom.Translation(r3.Vec{X: 1, Y: 2, Z: 3}),
		PointCloud: pc,
	}
}

func TestChunkAndReassemble(t *testing.T) {
	frame := make([]byte, 5000)
	for i := range frame {
		frame[i] = byte(i)
	}
	chunks, err := Chunk(frame, 9, 1000)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 6 {
		t.Fatalf("chunks = %d, want 6", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 1000 {
			t.Errorf("datagram of %d bytes exceeds limit", len(c))
		}
	}

	rand.New(rand.NewPCG(1, 2)).Shuffle(len(chunks), func(i, j int) {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	})
	var r Reassembler
	for i, c := range chunks {
		got, done, err := r.Add(c)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if done != (i == len(chunks)-1) {
			t.Fatalf("chunk %d: done = %v", i, done)
		}
		if done && !bytes.Equal(got, frame) {
			t.Error("reassembled frame differs")
		}
	}
}

func TestChunkEdges(t *testing.T) {
	chunks, err := Chunk(nil, 1, 100)
	if err != nil || len(chunks) != 1 {
		t.Fatalf("empty frame: %d chunks, err %v", len(chunks), err)
	}
	var r Reassembler
	got, done, err := r.Add(chunks[0])
	if err != nil || !done || len(got) != 0 {
		t.Errorf("empty frame reassembly = %v %v %v", got, done, err)
	}

	if _, err := Chunk([]byte("x"), 1, datagramHeaderLen); err == nil {
		t.Error("expected error for a datagram size without payload room")
	}
}

func TestReassemblerDropsStaleAndForeign(t *testing.T) {
	newer, _ := Chunk(make([]byte, 300), 5, 112)
	older, _ := Chunk(make([]byte, 300), 4, 112)

	var r Reassembler
	if _, done, _ := r.Add(newer[0]); done {
		t.Fatal("frame complete after one chunk")
	}
	if _, done, err := r.Add(older[0]); done || err != nil {
		t.Errorf("stale chunk: done=%v err=%v", done, err)
	}
	var got []byte
	for _, c := range newer[1:] {
		got, _, _ = r.Add(c)
	}
	if len(got) != 300 {
		t.Errorf("newer frame = %d bytes, want 300", len(got))
	}

	if _, _, err := r.Add([]byte("not a datagram")); !errors.Is(err, ErrBadDatagram) {
		t.Errorf("foreign datagram err = %v", err)
	}
}

func TestForwarder_SendsAndRecords(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}
	defer server.Close()
	dst := server.LocalAddr().(*net.UDPAddr)

	forwarder, err := NewForwarder("127.0.0.1", dst.Port, time.Second)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer forwarder.Close()

	var pcapBuf bytes.Buffer
	rec, err := NewPcapRecorder(&pcapBuf, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2368}, dst)
	if err != nil {
		t.Fatalf("NewPcapRecorder: %v", err)
	}
	forwarder.SetRecorder(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	forwarder.Start(ctx)

	want := bundle("roof", 200) // 200 × 20 bytes needs several datagrams
	if err := forwarder.PublishFrame(want); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}

	var r Reassembler
	var frame []byte
	buf := make([]byte, 2048)
	datagrams := 0
	for frame == nil {
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := server.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("reading datagram %d: %v", datagrams, err)
		}
		datagrams++
		if f, done, err := r.Add(buf[:n]); err != nil {
			t.Fatalf("Add: %v", err)
		} else if done {
			frame = f
		}
	}
	got, err := visualiser.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if datagrams < 3 {
		t.Errorf("datagrams = %d, want at least 3", datagrams)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.Count() < datagrams && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.Count() != datagrams {
		t.Fatalf("recorded %d packets, want %d", rec.Count(), datagrams)
	}
	if forwarder.Sent() != uint64(datagrams) {
		t.Errorf("Sent = %d, want %d", forwarder.Sent(), datagrams)
	}

	var replay Reassembler
	var replayed []byte
	n, err := ReadPcap(bytes.NewReader(pcapBuf.Bytes()), dst.Port, func(_ time.Time, payload []byte) error {
		if f, done, err := replay.Add(payload); err != nil {
			return err
		} else if done {
			replayed = f
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadPcap: %v", err)
	}
	if n != datagrams || !bytes.Equal(replayed, frame) {
		t.Errorf("pcap replay: %d packets, frame equal %v", n, bytes.Equal(replayed, frame))
	}
}

func TestForwarder_DropsWhenQueueFull(t *testing.T) {
	forwarder, err := NewForwarder("127.0.0.1", 9, time.Second)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	defer forwarder.Close()

	// Not started: nothing drains the queue.
	for i := 0; i < cap(forwarder.channel)+5; i++ {
		forwarder.ForwardAsync([]byte{1})
	}
	if forwarder.Dropped() != 5 {
		t.Errorf("Dropped = %d, want 5", forwarder.Dropped())
	}
}

func TestNewPcapRecorder_RequiresIPv4(t *testing.T) {
	var buf bytes.Buffer
	_, err := NewPcapRecorder(&buf, &net.UDPAddr{IP: net.IPv6loopback}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err == nil {
		t.Error("expected error for IPv6 source")
	}
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	flushed  bool
	closed   bool
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}
func (f *fakeNATS) Flush() error { f.flushed = true; return nil }
func (f *fakeNATS) Close()       { f.closed = true }

func TestNATSPublisher(t *testing.T) {
	p := NewNATSPublisher("")
	if err := p.PublishFrame(bundle("roof", 3)); err != nil {
		t.Fatalf("publishing while disconnected: %v", err)
	}

	conn := &fakeNATS{}
	p.attach(conn)
	if err := p.PublishFrame(bundle("front left", 3)); err != nil {
		t.Fatalf("PublishFrame: %v", err)
	}
	if diff := cmp.Diff([]string{"lidar.front_left.points"}, conn.subjects); diff != "" {
		t.Errorf("subjects (-want +got):\n%s", diff)
	}
	got, err := visualiser.DecodeFrame(conn.payloads[0])
	if err != nil || got.PointCloud.PointCount != 3 {
		t.Errorf("payload decode: %v", err)
	}
	if p.Published() != 1 {
		t.Errorf("Published = %d", p.Published())
	}

	conn.err = errors.New("slow consumer")
	if err := p.PublishFrame(bundle("roof", 1)); err == nil || !strings.Contains(err.Error(), "lidar.roof.points") {
		t.Errorf("err = %v, want subject in error", err)
	}

	p.Close()
	if !conn.flushed || !conn.closed {
		t.Error("Close did not flush and close the connection")
	}
}

func TestNATSSubject(t *testing.T) {
	p := NewNATSPublisher("sim")
	for in, want := range map[string]string{
		"roof":    "sim.roof.points",
		"a.b":     "sim.a_b.points",
		"wild*>":  "sim.wild__.points",
		"":        "sim._.points",
		"ouster1": "sim.ouster1.points",
	} {
		if got := p.Subject(in); got != want {
			t.Errorf("Subject(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNATSConnectFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := lis.Addr().String()
	lis.Close()

	p := NewNATSPublisher("")
	if err := p.Connect("nats://" + addr); err == nil {
		t.Fatal("expected connection error")
	}
	if err := p.PublishFrame(bundle("roof", 1)); err != nil {
		t.Errorf("publish after failed connect: %v", err)
	}
}

func TestHub(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	testutil.AssertStatusCode(t, resp.StatusCode, http.StatusBadRequest)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 1 {
		t.Fatalf("Count = %d, want 1", hub.Count())
	}

	if err := hub.PublishFrame(bundle("roof", 4)); err != nil {
		t.Fatal(err)
	}
	var got FrameSummary
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	want := FrameSummary{
		SensorID:        "id-roof",
		Sensor:          "roof",
		Frame:           7,
		Tick:            21,
		CoordinateFrame: "world",
		Points:          4,
		Position:        [3]float64{1, 2, 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary (-want +got):\n%s", diff)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Errorf("Count after close = %d, want 0", hub.Count())
	}
}

func TestAttachFansOut(t *testing.T) {
	rig := testutil.NewRig(t)
	s := rig.Sensor(t, "roof")

	var world, lidar []*visualiser.FrameBundle
	Attach(s, visualiser.FrameWorld, SinkFunc(func(b *visualiser.FrameBundle) error {
		world = append(world, b)
		return nil
	}), SinkFunc(func(*visualiser.FrameBundle) error {
		return errors.New("sink failures are logged, not fatal")
	}))
	Attach(s, visualiser.FrameLidar, SinkFunc(func(b *visualiser.FrameBundle) error {
		lidar = append(lidar, b)
		return nil
	}))

	rig.Step(t)
	rig.Step(t)

	if len(world) != 2 || len(lidar) != 2 {
		t.Fatalf("bundles: world %d lidar %d, want 2 each", len(world), len(lidar))
	}
	b := world[1]
	if b.FrameID != 2 || b.SensorName != "roof" || b.SensorID != s.ID().String() {
		t.Errorf("bundle header = %+v", b)
	}
	if b.PointCloud.PointCount != 6 {
		t.Errorf("points = %d, want 6", b.PointCloud.PointCount)
	}
	for i, z := range b.PointCloud.Z {
		if z != testutil.WallDistance {
			t.Errorf("world point %d z = %v", i, z)
		}
	}
	if lidar[1].CoordinateFrame != visualiser.FrameLidar {
		t.Errorf("lidar bundle frame = %v", lidar[1].CoordinateFrame)
	}
}
