package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
)

const (
	balancePath = "/uapi/overseas-stock/v1/trading/inquire-balance"
	balanceTrID = "TTTS3012R"

	marginPath = "/uapi/overseas-stock/v1/trading/foreign-margin"
	marginTrID = "TTTC2101R"

	searchPath = "/uapi/overseas-price/v1/quotations/inquire-search"
	searchTrID = "HHDFS76410000"
)

// Balance is the account snapshot used to size a run.
type Balance struct {
	Holdings []domain.HoldingPosition
	// Cash is the foreign-currency deposit available for buying.
	Cash float64
}

// TotalValue is the sum of holding valuations and cash.
func (b Balance) TotalValue() float64 {
	total := b.Cash
	for _, h := range b.Holdings {
		total += h.CurrentValuation
	}
	return total
}

type balanceResponse struct {
	Output1 []balanceRow `json:"output1"`
}

type balanceRow struct {
	Ticker    string `json:"ovrs_pdno"`
	Name      string `json:"ovrs_item_name"`
	Orderable string `json:"ord_psbl_qty"`
	Valuation string `json:"ovrs_stck_evlu_amt"`
	NowPrice  string `json:"now_pric2"`
}

type marginResponse struct {
	Output []marginRow `json:"output"`
}

type marginRow struct {
	Currency string `json:"crcy_cd"`
	Deposit  string `json:"frcr_dncl_amt1"`
}

// FetchHoldings reads the stock balance and the foreign-currency deposit.
func (c *Client) FetchHoldings(ctx context.Context) (Balance, error) {
	q := c.accountQuery()
	q.Set("OVRS_EXCG_CD", c.opts.OrderExchange)
	q.Set("TR_CRCY_CD", "USD")
	q.Set("CTX_AREA_FK200", "")
	q.Set("CTX_AREA_NK200", "")

	var bal balanceResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: balancePath, trID: balanceTrID, query: q}, &bal); err != nil {
		return Balance{}, fmt.Errorf("inquire balance: %w", err)
	}

	holdings := make([]domain.HoldingPosition, 0, len(bal.Output1))
	for _, row := range bal.Output1 {
		h, err := row.position()
		if err != nil {
			return Balance{}, fmt.Errorf("balance row %q: %w", row.Ticker, err)
		}
		holdings = append(holdings, h)
	}

	var margin marginResponse
	mq := c.accountQuery()
	if err := c.do(ctx, request{method: http.MethodGet, path: marginPath, trID: marginTrID, custType: "P", query: mq}, &margin); err != nil {
		return Balance{}, fmt.Errorf("inquire foreign margin: %w", err)
	}
	cash, err := usdDeposit(margin.Output)
	if err != nil {
		return Balance{}, err
	}

	c.logger.Info().Int("holdings", len(holdings)).Float64("cash", cash).Msg("account balance loaded")
	return Balance{Holdings: holdings, Cash: cash}, nil
}

func (r balanceRow) position() (domain.HoldingPosition, error) {
	qty, err := parseDecimal("ord_psbl_qty", r.Orderable)
	if err != nil {
		return domain.HoldingPosition{}, err
	}
	valuation, err := parseFloat("ovrs_stck_evlu_amt", r.Valuation)
	if err != nil {
		return domain.HoldingPosition{}, err
	}
	price, err := parseFloat("now_pric2", r.NowPrice)
	if err != nil {
		return domain.HoldingPosition{}, err
	}
	return domain.HoldingPosition{
		Ticker:            strings.TrimSpace(r.Ticker),
		DisplayName:       strings.TrimSpace(r.Name),
		AvailableQuantity: qty.IntPart(),
		CurrentValuation:  valuation,
		CurrentPrice:      price,
	}, nil
}

// usdDeposit picks the USD row of the margin inquiry, or the first row when no currency is labelled.
func usdDeposit(rows []marginRow) (float64, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("foreign margin: no deposit rows")
	}
	row := rows[0]
	for _, r := range rows {
		if strings.EqualFold(strings.TrimSpace(r.Currency), "USD") {
			row = r
			break
		}
	}
	return parseFloat("frcr_dncl_amt1", row.Deposit)
}

type searchResponse struct {
	Output2 []searchRow `json:"output2"`
}

type searchRow struct {
	Symbol    string `json:"symb"`
	Name      string `json:"name"`
	MarketCap string `json:"valx"`
}

// FetchCandidateUniverse screens the quote exchange for instruments with a market cap
// in [minCap, maxCap].
func (c *Client) FetchCandidateUniverse(ctx context.Context, minCap, maxCap decimal.Decimal) ([]domain.CandidateInstrument, error) {
	q := url.Values{}
	q.Set("AUTH", "")
	q.Set("EXCD", c.opts.QuoteExchange)
	q.Set("CO_YN_VALX", "1")
	q.Set("CO_ST_VALX", minCap.Round(0).String())
	q.Set("CO_EN_VALX", maxCap.Round(0).String())

	var resp searchResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: searchPath, trID: searchTrID, query: q}, &resp); err != nil {
		return nil, fmt.Errorf("condition search: %w", err)
	}

	out := make([]domain.CandidateInstrument, 0, len(resp.Output2))
	for _, row := range resp.Output2 {
		symbol := strings.TrimSpace(row.Symbol)
		if symbol == "" {
			continue
		}
		mc, err := parseFloat("valx", row.MarketCap)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", symbol, err)
		}
		out = append(out, domain.CandidateInstrument{Ticker: symbol, DisplayName: strings.TrimSpace(row.Name), MarketCap: mc})
	}
	c.logger.Info().Int("candidates", len(out)).Str("min_cap", minCap.String()).Str("max_cap", maxCap.String()).Msg("candidate universe screened")
	return out, nil
}

func (c *Client) accountQuery() url.Values {
	q := url.Values{}
	q.Set("CANO", c.opts.AccountNumber)
	q.Set("ACNT_PRDT_CD", c.opts.AccountProductCode)
	return q
}
