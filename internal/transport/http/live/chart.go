package livehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"tradeloop/internal/store"
)

const (
	chartWidth       = "1200px"
	pnlChartHeight   = "420px"
	priceChartHeight = "260px"
	colorTotal       = "#5470c6"
	colorRealized    = "#91cc75"
	colorUnrealized  = "#fac858"
	colorPrice       = "#73c0de"
)

// handleChart renders the asset's P&L history as a standalone echarts page.
func (h *handler) handleChart(c *gin.Context) {
	if h.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	asset, ok := h.loadAsset(c)
	if !ok {
		return
	}
	samples, err := h.Ledger.History(c.Request.Context(), asset.ID, queryLimit(c, 500, 5000))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	var buf bytes.Buffer
	if err := renderPnlPage(&buf, asset, samples); err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func renderPnlPage(w io.Writer, asset store.Asset, samples []store.HistorySample) error {
	xAxis := make([]string, len(samples))
	total := make([]opts.LineData, len(samples))
	realized := make([]opts.LineData, len(samples))
	unrealized := make([]opts.LineData, len(samples))
	price := make([]opts.LineData, len(samples))
	for i, s := range samples {
		xAxis[i] = s.Timestamp.UTC().Format("01-02 15:04")
		total[i] = opts.LineData{Value: s.TotalPnl}
		realized[i] = opts.LineData{Value: s.RealizedPnl}
		unrealized[i] = opts.LineData{Value: s.UnrealizedPnl}
		price[i] = opts.LineData{Value: s.MarketPrice}
	}

	pnl := charts.NewLine()
	pnl.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: asset.Symbol + " P&L",
			Theme:     types.ThemeWesteros,
			Width:     chartWidth,
			Height:    pnlChartHeight,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    asset.Symbol + " P&L",
			Subtitle: fmt.Sprintf("%d samples, interval %ds", len(samples), asset.IntervalSeconds),
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	pnl.SetXAxis(xAxis).
		AddSeries("total", total, charts.WithLineStyleOpts(opts.LineStyle{Color: colorTotal, Width: 2})).
		AddSeries("realized", realized, charts.WithLineStyleOpts(opts.LineStyle{Color: colorRealized})).
		AddSeries("unrealized", unrealized, charts.WithLineStyleOpts(opts.LineStyle{Color: colorUnrealized}))
	pnl.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	mark := charts.NewLine()
	mark.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: priceChartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: "market price"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	mark.SetXAxis(xAxis).
		AddSeries("price", price, charts.WithLineStyleOpts(opts.LineStyle{Color: colorPrice}))
	mark.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	page := components.NewPage()
	page.PageTitle = asset.Symbol + " P&L"
	page.AddCharts(pnl, mark)
	return page.Render(w)
}
