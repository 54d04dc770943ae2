package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tablepick/internal/httputil"
	"github.com/banshee-data/tablepick/internal/zone"
)

// echartsAssetsHost serves the echarts script; overridable for offline sites.
var echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// outline samples the border of r, dilated by margin, every step pixels.
func outline(r zone.Rect, margin, step int) []opts.ScatterData {
	x1, y1, x2, y2 := r.X1-margin, r.Y1-margin, r.X2+margin, r.Y2+margin
	var pts []opts.ScatterData
	for x := x1; x <= x2; x += step {
		pts = append(pts, opts.ScatterData{Value: []interface{}{x, y1}}, opts.ScatterData{Value: []interface{}{x, y2}})
	}
	for y := y1; y <= y2; y += step {
		pts = append(pts, opts.ScatterData{Value: []interface{}{x1, y}}, opts.ScatterData{Value: []interface{}{x2, y}})
	}
	return pts
}

// zoneChart renders the zones and the tracked entities' box centers in
// tracking-camera pixel coordinates.
func (s *Server) zoneChart(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()
	if st == nil {
		httputil.ServiceUnavailable(w, "no status yet")
		return
	}

	maxX, maxY := 640, 480
	grow := func(x, y int) {
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Zones", Theme: "dark", Width: "960px", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Zones and entities", Subtitle: fmt.Sprintf("frame=%d entities=%d", st.Frame, len(st.Entities))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	for _, z := range st.Zones {
		grow(z.Rect.X2+z.Margin, z.Rect.Y2+z.Margin)
		name := z.Name
		if z.LatestOccupant != "" {
			name = fmt.Sprintf("%s (latest %s)", z.Name, z.LatestOccupant)
		}
		scatter.AddSeries(name, outline(z.Rect, z.Margin, 10), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	}

	people := make([]opts.ScatterData, 0, len(st.Entities))
	for _, e := range st.Entities {
		cx, cy := (e.Box[0]+e.Box[2])/2, (e.Box[1]+e.Box[3])/2
		grow(cx, cy)
		label := fmt.Sprintf("#%d", e.ID)
		if e.UserID != "" {
			label += " " + e.UserID
		}
		people = append(people, opts.ScatterData{Name: label, Value: []interface{}{cx, cy, len(e.Items)}})
	}
	scatter.AddSeries("entities", people, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))

	scatter.SetGlobalOptions(
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: maxX, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: maxY, Name: "y (px)", NameLocation: "middle", NameGap: 30}),
	)

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
