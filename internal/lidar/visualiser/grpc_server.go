package visualiser

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "lidarsim.visualiser.v1.FrameStream"

const (
	streamFramesMethod = "/" + ServiceName + "/StreamFrames"
	getStatsMethod     = "/" + ServiceName + "/GetStats"
)

// frameStreamServer is the handler type of serviceDesc.
type frameStreamServer interface {
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
	GetStats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// serviceDesc declares the streaming service by hand. Requests are
// structpb.Struct; each streamed message is a wrapperspb.BytesValue
// holding one EncodeFrame payload.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*frameStreamServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
	},
	Metadata: "lidarsim/visualiser.proto",
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(frameStreamServer).StreamFrames(req, stream)
}

func getStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(frameStreamServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getStatsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(frameStreamServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// StreamRequest selects and shapes the frames a client receives.
type StreamRequest struct {
	// SensorID limits the stream to one sensor; empty streams all.
	SensorID        string
	IncludePoints   bool
	Decimation      DecimationMode
	DecimationRatio float32
}

func (r StreamRequest) wants(b *FrameBundle) bool {
	return r.SensorID == "" || r.SensorID == b.SensorID || r.SensorID == b.SensorName
}

// shape returns the bundle as this client should see it.
func (r StreamRequest) shape(b *FrameBundle) *FrameBundle {
	switch {
	case !r.IncludePoints:
		return b.withPoints(nil)
	case r.Decimation != DecimationNone && b.PointCloud != nil:
		pc := b.PointCloud.Clone()
		pc.ApplyDecimation(r.Decimation, r.DecimationRatio)
		return b.withPoints(pc)
	}
	return b
}

func (r StreamRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"sensor_id":        r.SensorID,
		"include_points":   r.IncludePoints,
		"decimation":       float64(r.Decimation),
		"decimation_ratio": float64(r.DecimationRatio),
	})
}

func streamRequestFrom(s *structpb.Struct) StreamRequest {
	f := s.GetFields()
	return StreamRequest{
		SensorID:        f["sensor_id"].GetStringValue(),
		IncludePoints:   f["include_points"].GetBoolValue(),
		Decimation:      DecimationMode(f["decimation"].GetNumberValue()),
		DecimationRatio: float32(f["decimation_ratio"].GetNumberValue()),
	}
}

// StreamFrames implements the server side of the frame stream.
func (p *Publisher) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	sr := streamRequestFrom(req)
	id := uuid.NewString()
	client, err := p.addClient(id, sr)
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer p.removeClient(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.doneCh:
			return nil
		case frame := <-client.frameCh:
			data, err := EncodeFrame(sr.shape(frame))
			if err != nil {
				logf("client %s: encoding frame %d: %v", id, frame.FrameID, err)
				continue
			}
			if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
				return err
			}
		}
	}
}

// GetStats reports publisher statistics.
func (p *Publisher) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := p.Stats()
	return structpb.NewStruct(map[string]any{
		"frame_count":    float64(st.FrameCount),
		"dropped_frames": float64(st.DroppedFrames),
		"client_count":   float64(st.ClientCount),
		"running":        st.Running,
	})
}

// Client talks to a Publisher.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// FrameReceiver yields decoded frames from a stream.
type FrameReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame.
func (r *FrameReceiver) Recv() (*FrameBundle, error) {
	msg := new(wrapperspb.BytesValue)
	if err := r.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return DecodeFrame(msg.GetValue())
}

// StreamFrames opens a frame stream. The stream ends when ctx is cancelled
// or the publisher stops.
func (c *Client) StreamFrames(ctx context.Context, req StreamRequest) (*FrameReceiver, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], streamFramesMethod,
		grpc.MaxCallRecvMsgSize(maxMsgSize))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameReceiver{stream: stream}, nil
}

// Stats fetches publisher statistics.
func (c *Client) Stats(ctx context.Context) (PublisherStats, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStatsMethod, new(emptypb.Empty), out); err != nil {
		return PublisherStats{}, fmt.Errorf("fetching stats: %w", err)
	}
	f := out.GetFields()
	return PublisherStats{
		FrameCount:    uint64(f["frame_count"].GetNumberValue()),
		DroppedFrames: uint64(f["dropped_frames"].GetNumberValue()),
		ClientCount:   int32(f["client_count"].GetNumberValue()),
		Running:       f["running"].GetBoolValue(),
	}, nil
}
