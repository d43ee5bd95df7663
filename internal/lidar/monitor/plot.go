package monitor

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/lidarsim/internal/lidar/visualiser"
)

// TopDown returns the X/Z (ground plane) projection of a frame's points,
// keeping every stride-th point.
func TopDown(b *visualiser.FrameBundle, stride int) plotter.XYs {
	if b == nil || b.PointCloud == nil {
		return nil
	}
	if stride < 1 {
		stride = 1
	}
	pc := b.PointCloud
	xys := make(plotter.XYs, 0, pc.PointCount/stride+1)
	for i := 0; i < pc.PointCount; i += stride {
		xys = append(xys, plotter.XY{X: float64(pc.X[i]), Y: float64(pc.Z[i])})
	}
	return xys
}

// WritePlot renders a top-down scatter of b as a PNG.
func WritePlot(w io.Writer, b *visualiser.FrameBundle, size vg.Length) error {
	pts := TopDown(b, 1)
	if len(pts) == 0 {
		return fmt.Errorf("frame has no points")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s frame %d (%s)", b.SensorName, b.FrameID, b.CoordinateFrame)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.Add(plotter.NewGrid())

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("scatter: %w", err)
	}
	sc.GlyphStyle.Shape = draw.CircleGlyph{}
	sc.GlyphStyle.Radius = vg.Points(1)
	sc.GlyphStyle.Color = color.RGBA{R: 31, G: 158, B: 137, A: 255}
	p.Add(sc)

	// Keep the sensor origin in view.
	ox, oz := b.LidarPose[3], b.LidarPose[11]
	if b.CoordinateFrame == visualiser.FrameLidar {
		ox, oz = 0, 0
	}
	origin, err := plotter.NewScatter(plotter.XYs{{X: ox, Y: oz}})
	if err != nil {
		return err
	}
	origin.GlyphStyle.Shape = draw.PlusGlyph{}
	origin.GlyphStyle.Radius = vg.Points(4)
	origin.GlyphStyle.Color = color.RGBA{R: 200, A: 255}
	p.Add(origin)

	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
