package diagnostics

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/conveyor/internal/httputil"
)

// AttachAdminRoutes mounts /debug/trace (chart) and /debug/feed (JSON
// summary).
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("trace", "Recent object coordinates against the inspection window", http.HandlerFunc(m.handleTrace))
	debug.Handle("feed", "Sensor feed statistics", http.HandlerFunc(m.handleSummary))
}

func (m *Monitor) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m.Summary())
}

// TraceChart builds the coordinate line chart with the ±tolerance band.
func (m *Monitor) TraceChart() *charts.Line {
	samples := m.Samples()
	sum := m.Summary()

	x := make([]string, len(samples))
	coords := make([]opts.LineData, len(samples))
	upper := make([]opts.LineData, len(samples))
	lower := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = s.At.Format("15:04:05.000")
		coords[i] = opts.LineData{Value: s.Coordinate}
		upper[i] = opts.LineData{Value: m.tolerance}
		lower[i] = opts.LineData{Value: -m.tolerance}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Conveyor trace", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Object coordinate",
			Subtitle: fmt.Sprintf("samples=%d at_point=%d min|c|=%.4f tolerance=%g", sum.Count, sum.AtPoint, sum.MinAbs, m.tolerance),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: string(m.axis), NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("coordinate", coords, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("+tolerance", upper, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"})).
		AddSeries("-tolerance", lower, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
	return line
}

func (m *Monitor) handleTrace(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := m.TraceChart().Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
