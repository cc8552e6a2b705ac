package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/depthfuse/internal/pipeline"
)

// residualSeries is one device's residual history as (seconds, metres)
// pairs relative to origin. Cycles that produced no candidate are skipped.
type residualSeries struct {
	label  string
	points [][2]float64
}

func collectResidualSeries(devices []pipeline.DeviceStatus) ([]residualSeries, time.Time) {
	var origin time.Time
	for _, d := range devices {
		for _, h := range d.History {
			if !h.At.IsZero() && (origin.IsZero() || h.At.Before(origin)) {
				origin = h.At
			}
		}
	}

	var out []residualSeries
	for _, d := range devices {
		if len(d.History) == 0 {
			continue
		}
		s := residualSeries{label: fmt.Sprintf("%d %s", d.DeviceIndex, d.Serial)}
		for _, h := range d.History {
			if h.Residual <= 0 {
				continue
			}
			s.points = append(s.points, [2]float64{h.At.Sub(origin).Seconds(), h.Residual})
		}
		if len(s.points) > 0 {
			out = append(out, s)
		}
	}
	return out, origin
}

// handleResidualChart renders the residual history of every device as an
// HTML line chart with the acceptance threshold marked.
func (ws *WebServer) handleResidualChart(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	info := ws.source.Info()
	series, origin := collectResidualSeries(ws.source.Diagnostics())

	subtitle := fmt.Sprintf("session=%s searcher=%s", info.ID, info.Searcher)
	if !origin.IsZero() {
		subtitle += " since " + origin.UTC().Format(time.RFC3339)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Registration residual", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Registration residual", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "residual (m)"}),
	)

	for i, s := range series {
		data := make([]opts.LineData, len(s.points))
		for j, p := range s.points {
			data[j] = opts.LineData{Value: []interface{}{p[0], p[1]}}
		}
		seriesOpts := []charts.SeriesOpts{charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})}
		if i == 0 && info.MaxResidual > 0 {
			seriesOpts = append(seriesOpts,
				charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{Name: "max residual", YAxis: info.MaxResidual}),
			)
		}
		line.AddSeries(s.label, data, seriesOpts...)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
