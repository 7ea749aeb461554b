package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"cap-rebalancer/internal/domain"
)

const (
	chartPath = "/uapi/overseas-price/v1/quotations/inquire-daily-chartprice"
	chartTrID = "FHKST03030100"

	// pageDays is the calendar span requested per chart call; the endpoint caps rows per response.
	pageDays = 100
)

type chartResponse struct {
	Output2 []chartRow `json:"output2"`
}

type chartRow struct {
	Date  string `json:"stck_bsop_date"`
	Close string `json:"ovrs_nmix_prpr"`
}

type bar struct {
	date  time.Time
	close float64
}

// FetchPriceHistory returns daily closes of an instrument from `from` through today,
// sorted ascending. Today's bar is included when the brokerage reports it.
func (c *Client) FetchPriceHistory(ctx context.Context, ticker string, from time.Time) ([]domain.PricePoint, error) {
	bars, err := c.fetchDaily(ctx, ticker, from)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PricePoint, 0, len(bars))
	for _, b := range bars {
		out = append(out, domain.PricePoint{Ticker: ticker, Date: b.date, Price: b.close})
	}
	return out, nil
}

// FetchIndexHistory returns raw daily index levels. DailyReturnPct is left at zero;
// returns are derived once the points are merged with stored history.
func (c *Client) FetchIndexHistory(ctx context.Context, ticker string, from time.Time) ([]domain.IndexPoint, error) {
	bars, err := c.fetchDaily(ctx, ticker, from)
	if err != nil {
		return nil, err
	}
	out := make([]domain.IndexPoint, 0, len(bars))
	for _, b := range bars {
		out = append(out, domain.IndexPoint{Ticker: ticker, Date: b.date, Price: b.close})
	}
	return out, nil
}

// fetchDaily walks [from, today] in fixed windows, pausing CallInterval between calls.
func (c *Client) fetchDaily(ctx context.Context, ticker string, from time.Time) ([]bar, error) {
	today := domain.Day(c.now(), c.opts.Location)
	start := domain.Day(from, time.UTC)
	if start.After(today) {
		return nil, nil
	}

	seen := make(map[time.Time]struct{})
	var bars []bar
	for page := 0; ; page++ {
		if page > 0 {
			if err := pause(ctx, c.opts.CallInterval); err != nil {
				return nil, err
			}
		}

		end := start.AddDate(0, 0, pageDays-1)
		if end.After(today) {
			end = today
		}

		rows, err := c.chartPage(ctx, ticker, start, end)
		if err != nil {
			return nil, fmt.Errorf("chart %s %s..%s: %w", ticker, domain.FormatDate(start), domain.FormatDate(end), err)
		}
		for _, r := range rows {
			if _, dup := seen[r.date]; dup {
				continue
			}
			seen[r.date] = struct{}{}
			bars = append(bars, r)
		}

		c.logger.Debug().Str("ticker", ticker).
			Str("from", domain.FormatDate(start)).
			Str("to", domain.FormatDate(end)).
			Int("rows", len(rows)).
			Msg("chart page fetched")

		if !end.Before(today) {
			break
		}
		start = end.AddDate(0, 0, 1)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].date.Before(bars[j].date) })
	return bars, nil
}

func (c *Client) chartPage(ctx context.Context, ticker string, start, end time.Time) ([]bar, error) {
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", c.marketCode(ticker))
	q.Set("FID_INPUT_ISCD", ticker)
	q.Set("FID_INPUT_DATE_1", domain.FormatDate(start))
	q.Set("FID_INPUT_DATE_2", domain.FormatDate(end))
	q.Set("FID_PERIOD_DIV_CODE", "D")

	var resp chartResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: chartPath, trID: chartTrID, query: q}, &resp); err != nil {
		return nil, err
	}

	out := make([]bar, 0, len(resp.Output2))
	for _, row := range resp.Output2 {
		// trailing empty rows pad short responses
		if row.Date == "" && row.Close == "" {
			continue
		}
		date, err := domain.ParseDate(row.Date)
		if err != nil {
			return nil, fmt.Errorf("stck_bsop_date: %w", err)
		}
		closePrice, err := parseFloat("ovrs_nmix_prpr", row.Close)
		if err != nil {
			return nil, err
		}
		out = append(out, bar{date: date, close: closePrice})
	}
	return out, nil
}

func (c *Client) marketCode(ticker string) string {
	if code := c.opts.MarketCodes[ticker]; code != "" {
		return code
	}
	return c.opts.ChartMarketCode
}
