package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lidarsim/internal/httputil"
)

// handlePointCloudChart renders the latest frame of a sensor as a top-down
// scatter (HTML) coloured by ring.
// Query params:
//   - sensor (required)
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handlePointCloudChart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("sensor")
	if name == "" {
		httputil.BadRequest(w, "missing 'sensor' parameter")
		return
	}
	b := ws.stats.Latest(name)
	if b == nil || b.PointCloud == nil || b.PointCloud.PointCount == 0 {
		httputil.NotFound(w, fmt.Sprintf("no points captured for sensor '%s'", name))
		return
	}

	maxPoints, err := httputil.QueryInt(r, "max_points", 8000, 100, 50000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	pc := b.PointCloud
	stride := 1
	if pc.PointCount > maxPoints {
		stride = int(math.Ceil(float64(pc.PointCount) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, pc.PointCount/stride+1)
	maxAbs := 0.0
	maxRing := int32(0)
	for i := 0; i < pc.PointCount; i += stride {
		x, z := float64(pc.X[i]), float64(pc.Z[i])
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(z)))
		if pc.Ring[i] > maxRing {
			maxRing = pc.Ring[i]
		}
		data = append(data, opts.ScatterData{Value: []interface{}{x, z, pc.Ring[i]}})
	}

	// Symmetric square axes with a little padding.
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "LiDAR point cloud (top-down)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "LiDAR point cloud", Subtitle: fmt.Sprintf("sensor=%s frame=%d points=%d stride=%d", name, b.FrameID, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(max(maxRing, 1)),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#b5de2b", "#fde725"}},
		}),
	)
	scatter.AddSeries(name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
