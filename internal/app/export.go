package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"cap-rebalancer/internal/domain"
)

// Export renders stored daily history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	ticker := strings.ToUpper(strings.TrimSpace(opts.Ticker))
	if ticker == "" {
		return errors.New("--ticker is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := time.Time{}
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	var rows []historyRow
	if opts.Index {
		points, err := store.ListIndexPoints(ctx, ticker)
		if err != nil {
			return err
		}
		rows = indexRows(points, from, to)
	} else {
		points, err := store.ListPricePointsBetween(ctx, ticker, from, to)
		if err != nil {
			return err
		}
		rows = priceRows(points)
	}
	if len(rows) == 0 {
		a.Logger.Info().Str("ticker", ticker).Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Str("ticker", ticker).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled, opts.Index); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, ticker, downsampled, opts.Index); err != nil {
			return err
		}
	}

	return nil
}

// historyRow flattens price and index points for rendering.
type historyRow struct {
	Date      time.Time
	Price     float64
	ReturnPct float64
}

func priceRows(points []domain.PricePoint) []historyRow {
	rows := make([]historyRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, historyRow{Date: p.Date, Price: p.Price})
	}
	return rows
}

func indexRows(points []domain.IndexPoint, from, to time.Time) []historyRow {
	rows := make([]historyRow, 0, len(points))
	for _, p := range points {
		if p.Date.Before(from) || p.Date.After(to) {
			continue
		}
		rows = append(rows, historyRow{Date: p.Date, Price: p.Price, ReturnPct: p.DailyReturnPct})
	}
	return rows
}

func downsampleRows(rows []historyRow, max int) []historyRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]historyRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeHistoryCSV(path string, rows []historyRow, index bool) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"date", "close"}
	if index {
		header = append(header, "daily_return_pct")
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			r.Date.Format(time.DateOnly),
			strconv.FormatFloat(r.Price, 'f', -1, 64),
		}
		if index {
			record = append(record, strconv.FormatFloat(r.ReturnPct, 'f', 4, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, ticker string, rows []historyRow, index bool) error {
	if len(rows) < 2 {
		return fmt.Errorf("need at least two points to chart %s", ticker)
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	closes := make([]float64, len(rows))
	returns := make([]float64, len(rows))
	for i, r := range rows {
		x[i] = r.Date
		closes[i] = r.Price
		returns[i] = r.ReturnPct
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    ticker + " close",
			XValues: x,
			YValues: closes,
		},
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close",
			ValueFormatter: priceFormatter,
		},
	}
	if index {
		graph.YAxisSecondary = chart.YAxis{
			Name:           "Daily return (%)",
			ValueFormatter: priceFormatter,
		}
		series = append(series, chart.TimeSeries{
			Name:    "Daily return %",
			XValues: x,
			YValues: returns,
			YAxis:   chart.YAxisSecondary,
		})
	}
	graph.Series = series
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
