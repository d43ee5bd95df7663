package visualiser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrBadFrame is returned when decoding a malformed frame.
var ErrBadFrame = errors.New("malformed frame")

var frameMagic = [4]byte{'L', 'S', 'I', 'M'}

const frameVersion = 1

const (
	flagDistorted = 1 << iota
	flagPoints
)

// ApplyDecimation decimates the point cloud in place. For uniform/voxel
// modes ratio should be in (0, 1]; anything else leaves the cloud as is.
func (pc *PointCloudFrame) ApplyDecimation(mode DecimationMode, ratio float32) {
	if mode == DecimationNone || ratio <= 0 || ratio > 1 {
		return
	}

	switch mode {
	case DecimationUniform:
		pc.applyUniformDecimation(ratio)
	case DecimationVoxel:
		// At ratio 0.5, leaf ≈ 0.08m; at ratio 0.25, leaf ≈ 0.16m.
		pc.applyVoxelDecimation(float32(0.04 / float64(ratio)))
	default:
		return
	}

	pc.DecimationMode = mode
	pc.DecimationRatio = ratio
}

// applyUniformDecimation keeps every Nth point.
func (pc *PointCloudFrame) applyUniformDecimation(ratio float32) {
	if ratio == 1.0 {
		return
	}

	targetCount := int(float32(pc.PointCount) * ratio)
	if targetCount <= 0 {
		targetCount = 1
	}
	stride := pc.PointCount / targetCount
	if stride < 1 {
		stride = 1
	}

	kept := 0
	for i := 0; i < pc.PointCount && kept < targetCount; i += stride {
		pc.move(kept, i)
		kept++
	}
	pc.truncate(kept)
}

// applyVoxelDecimation reduces point density using 3D voxel grid downsampling.
// Each cubic voxel of the given leaf size retains the point closest to the
// voxel centroid.
func (pc *PointCloudFrame) applyVoxelDecimation(leafSize float32) {
	if pc.PointCount == 0 || leafSize <= 0 {
		return
	}
	invLeaf := float64(1.0 / leafSize)

	type voxelAccum struct {
		sumX, sumY, sumZ float64
		count            int
		bestIdx          int
		bestDist2        float64
	}

	key := func(i int) [3]int64 {
		return [3]int64{
			int64(math.Floor(float64(pc.X[i]) * invLeaf)),
			int64(math.Floor(float64(pc.Y[i]) * invLeaf)),
			int64(math.Floor(float64(pc.Z[i]) * invLeaf)),
		}
	}

	voxels := make(map[[3]int64]*voxelAccum, pc.PointCount/4)
	for i := 0; i < pc.PointCount; i++ {
		k := key(i)
		acc, ok := voxels[k]
		if !ok {
			acc = &voxelAccum{bestIdx: i, bestDist2: math.MaxFloat64}
			voxels[k] = acc
		}
		acc.sumX += float64(pc.X[i])
		acc.sumY += float64(pc.Y[i])
		acc.sumZ += float64(pc.Z[i])
		acc.count++
	}

	for i := 0; i < pc.PointCount; i++ {
		acc := voxels[key(i)]
		n := float64(acc.count)
		dx := float64(pc.X[i]) - acc.sumX/n
		dy := float64(pc.Y[i]) - acc.sumY/n
		dz := float64(pc.Z[i]) - acc.sumZ/n
		if d2 := dx*dx + dy*dy + dz*dz; d2 < acc.bestDist2 {
			acc.bestDist2 = d2
			acc.bestIdx = i
		}
	}

	keep := make(map[int]bool, len(voxels))
	for _, acc := range voxels {
		keep[acc.bestIdx] = true
	}
	kept := 0
	for i := 0; i < pc.PointCount; i++ {
		if keep[i] {
			pc.move(kept, i)
			kept++
		}
	}
	pc.truncate(kept)
}

func (pc *PointCloudFrame) move(dst, src int) {
	pc.X[dst], pc.Y[dst], pc.Z[dst] = pc.X[src], pc.Y[src], pc.Z[src]
	if src < len(pc.Distance) {
		pc.Distance[dst] = pc.Distance[src]
	}
	if src < len(pc.Ring) {
		pc.Ring[dst] = pc.Ring[src]
	}
}

func (pc *PointCloudFrame) truncate(n int) {
	pc.X, pc.Y, pc.Z = pc.X[:n], pc.Y[:n], pc.Z[:n]
	if len(pc.Distance) >= n {
		pc.Distance = pc.Distance[:n]
	}
	if len(pc.Ring) >= n {
		pc.Ring = pc.Ring[:n]
	}
	pc.PointCount = n
}

// EncodeFrame serialises a bundle into the little-endian wire format shared
// by the gRPC stream, NATS and the UDP forwarder:
//
//	magic "LSIM" | version u8 | coordinate frame u8 | flags u8 | decimation u8
//	frame id u64 | tick u64 | timestamp i64
//	sensor id, sensor name: u16 length + bytes
//	lidar pose 16×f64 | linear 3×f64 | angular 3×f64
//	[flagPoints] decimation ratio f32 | count u32 | x,y,z,distance count×f32 | ring count×i32
func EncodeFrame(b *FrameBundle) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrBadFrame)
	}
	if len(b.SensorID) > math.MaxUint16 || len(b.SensorName) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: sensor label too long", ErrBadFrame)
	}

	size := 4 + 4 + 24 + 4 + len(b.SensorID) + len(b.SensorName) + 22*8
	var flags byte
	var mode DecimationMode
	if b.Distorted {
		flags |= flagDistorted
	}
	pc := b.PointCloud
	if pc != nil {
		if err := pc.check(); err != nil {
			return nil, err
		}
		flags |= flagPoints
		mode = pc.DecimationMode
		size += 8 + pc.PointCount*20
	}

	buf := make([]byte, 0, size)
	buf = append(buf, frameMagic[:]...)
	buf = append(buf, frameVersion, byte(b.CoordinateFrame), flags, byte(mode))
	buf = binary.LittleEndian.AppendUint64(buf, b.FrameID)
	buf = binary.LittleEndian.AppendUint64(buf, b.Tick)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.TimestampNanos))
	buf = appendString(buf, b.SensorID)
	buf = appendString(buf, b.SensorName)
	for _, v := range b.LidarPose {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	for _, v := range b.LinearVelocity {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	for _, v := range b.AngularVelocity {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	if pc == nil {
		return buf, nil
	}

	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(pc.DecimationRatio))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(pc.PointCount))
	for _, col := range [][]float32{pc.X, pc.Y, pc.Z, pc.Distance} {
		for _, v := range col {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	for _, r := range pc.Ring {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r))
	}
	return buf, nil
}

// DecodeFrame parses a buffer produced by EncodeFrame.
func DecodeFrame(data []byte) (*FrameBundle, error) {
	r := reader{buf: data}
	magic := r.next(4)
	if r.err != nil || [4]byte(magic) != frameMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}
	hdr := r.next(4)
	if r.err != nil {
		return nil, r.err
	}
	if hdr[0] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, hdr[0])
	}
	flags := hdr[2]

	b := &FrameBundle{
		CoordinateFrame: CoordinateFrame(hdr[1]),
		Distorted:       flags&flagDistorted != 0,
	}
	b.FrameID = r.u64()
	b.Tick = r.u64()
	b.TimestampNanos = int64(r.u64())
	b.SensorID = r.str()
	b.SensorName = r.str()
	for i := range b.LidarPose {
		b.LidarPose[i] = math.Float64frombits(r.u64())
	}
	for i := range b.LinearVelocity {
		b.LinearVelocity[i] = math.Float64frombits(r.u64())
	}
	for i := range b.AngularVelocity {
		b.AngularVelocity[i] = math.Float64frombits(r.u64())
	}

	if flags&flagPoints != 0 {
		pc := &PointCloudFrame{DecimationMode: DecimationMode(hdr[3])}
		pc.DecimationRatio = math.Float32frombits(r.u32())
		n := int(r.u32())
		if r.err == nil && r.remaining() != n*20 {
			return nil, fmt.Errorf("%w: %d points need %d bytes, have %d", ErrBadFrame, n, n*20, r.remaining())
		}
		cols := make([][]float32, 4)
		for c := range cols {
			cols[c] = make([]float32, n)
			for i := range cols[c] {
				cols[c][i] = math.Float32frombits(r.u32())
			}
		}
		pc.X, pc.Y, pc.Z, pc.Distance = cols[0], cols[1], cols[2], cols[3]
		pc.Ring = make([]int32, n)
		for i := range pc.Ring {
			pc.Ring[i] = int32(r.u32())
		}
		pc.PointCount = n
		b.PointCloud = pc
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFrame, r.remaining())
	}
	return b, nil
}

func (pc *PointCloudFrame) check() error {
	n := pc.PointCount
	if len(pc.X) != n || len(pc.Y) != n || len(pc.Z) != n || len(pc.Distance) != n || len(pc.Ring) != n {
		return fmt.Errorf("%w: point arrays disagree with count %d", ErrBadFrame, n)
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader consumes a buffer and remembers the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated", ErrBadFrame)
		r.buf = nil
		return make([]byte, n)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) remaining() int { return len(r.buf) }

func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.next(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.next(8)) }

func (r *reader) str() string {
	n := binary.LittleEndian.Uint16(r.next(2))
	return string(r.next(int(n)))
}
