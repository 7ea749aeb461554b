package app

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/history"
	"cap-rebalancer/internal/service"
	"cap-rebalancer/internal/storage"
)

func day(d int) time.Time {
	return time.Date(2025, 5, d, 0, 0, 0, 0, time.UTC)
}

func TestDownsampleRowsKeepsEnds(t *testing.T) {
	rows := make([]historyRow, 10)
	for i := range rows {
		rows[i] = historyRow{Date: day(i + 1), Price: float64(i)}
	}

	out := downsampleRows(rows, 4)
	require.Len(t, out, 4)
	assert.Equal(t, 0.0, out[0].Price)
	assert.Equal(t, 9.0, out[3].Price)

	assert.Len(t, downsampleRows(rows, 50), 10)
	assert.Equal(t, 9.0, downsampleRows(rows, 1)[0].Price)
}

func TestIndexRowsFiltersWindow(t *testing.T) {
	points := []domain.IndexPoint{
		{Date: day(1), Price: 100},
		{Date: day(2), Price: 96, DailyReturnPct: -4},
		{Date: day(3), Price: 97.92, DailyReturnPct: 2},
	}
	rows := indexRows(points, day(2), day(3))
	require.Len(t, rows, 2)
	assert.Equal(t, -4.0, rows[0].ReturnPct)
}

func TestWriteHistoryCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "comp.csv")
	rows := []historyRow{
		{Date: day(1), Price: 100},
		{Date: day(2), Price: 96, ReturnPct: -4},
	}
	require.NoError(t, writeHistoryCSV(path, rows, true))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "date,close,daily_return_pct\n2025-05-01,100,0.0000\n2025-05-02,96,-4.0000\n", string(raw))
}

func TestWriteHistoryPNGNeedsTwoPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.png")
	assert.Error(t, writeHistoryPNG(path, "AAPL", []historyRow{{Date: day(1), Price: 1}}, false))
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	report := service.Report{
		RunID:      uuid.MustParse("0b8a1a62-5f67-4d53-8a43-54a8d4b5a001"),
		Status:     storage.RunCompleted,
		TotalValue: decimal.RequireFromString("10000.5"),
		Sells:      []domain.OrderIntent{{Ticker: "OLD", Quantity: 3, LimitPrice: 100, Side: domain.SideSell, Reason: "prune"}},
		Buys:       []domain.OrderIntent{{Ticker: "A", Quantity: 56, LimitPrice: 90, Side: domain.SideBuy, Reason: "recovery"}},
		Skipped:    map[string]string{"B": "B: lowest price after highest not found"},
	}
	require.NoError(t, printReport(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "10000.50")
	assert.Less(t, strings.Index(out, "OLD"), strings.Index(out, "recovery"))
	assert.Contains(t, out, "lowest price after highest not found")
}

func TestPrintSyncResults(t *testing.T) {
	var buf bytes.Buffer
	results := []history.SyncResult{
		{Ticker: "AAPL", Points: 120, Inserted: 3},
		{Ticker: "COMP", Index: true, Err: errors.New("EGW00201\nrate limited")},
	}
	require.NoError(t, printSyncResults(&buf, results))

	out := buf.String()
	assert.Contains(t, out, "index")
	assert.Contains(t, out, "EGW00201 rate limited")
}

func TestFilterOrdersBySide(t *testing.T) {
	orders := []storage.OrderRecord{
		{ID: 1, Ticker: "OLD", Side: string(domain.SideSell)},
		{ID: 2, Ticker: "A", Side: string(domain.SideBuy)},
		{ID: 3, Ticker: "B", Side: string(domain.SideBuy)},
	}

	side, err := domain.ParseSide(" buy ")
	require.NoError(t, err)
	buys := filterOrders(orders, side)
	require.Len(t, buys, 2)
	assert.Equal(t, "A", buys[0].Ticker)
	assert.Equal(t, "B", buys[1].Ticker)

	assert.Len(t, filterOrders(orders, ""), 3)
	assert.Len(t, orders, 3)
}
