package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"cap-rebalancer/internal/domain"
)

const (
	orderPath   = "/uapi/overseas-stock/v1/trading/order"
	buyTrID     = "TTTT1002U"
	sellTrID    = "TTTT1006U"
	pendingPath = "/uapi/overseas-stock/v1/trading/inquire-nccs"
	pendingTrID = "TTTS3018R"
)

type orderRequest struct {
	AccountNumber string `json:"CANO"`
	ProductCode   string `json:"ACNT_PRDT_CD"`
	Exchange      string `json:"OVRS_EXCG_CD"`
	Ticker        string `json:"PDNO"`
	Quantity      string `json:"ORD_QTY"`
	Price         string `json:"OVRS_ORD_UNPR"`
	ServerDivCode string `json:"ORD_SVR_DVSN_CD"`
	OrderDivCode  string `json:"ORD_DVSN"`
}

type orderResponse struct {
	Output struct {
		OrderNo string `json:"ODNO"`
	} `json:"output"`
}

// SubmitOrder places a limit order.
func (c *Client) SubmitOrder(ctx context.Context, o domain.OrderIntent) error {
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive", o)
	}
	if o.LimitPrice <= 0 {
		return fmt.Errorf("order %s: limit price must be positive", o)
	}

	var trID string
	switch o.Side {
	case domain.SideBuy:
		trID = buyTrID
	case domain.SideSell:
		trID = sellTrID
	default:
		return errors.New("order side required")
	}

	body := orderRequest{
		AccountNumber: c.opts.AccountNumber,
		ProductCode:   c.opts.AccountProductCode,
		Exchange:      c.opts.OrderExchange,
		Ticker:        o.Ticker,
		Quantity:      strconv.FormatInt(o.Quantity, 10),
		Price:         decimal.NewFromFloat(o.LimitPrice).StringFixed(2),
		ServerDivCode: "0",
		OrderDivCode:  "00",
	}

	var resp orderResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: orderPath, trID: trID, body: body}, &resp); err != nil {
		return err
	}
	c.logger.Info().Str("order", o.String()).Str("order_no", resp.Output.OrderNo).Msg("order accepted")
	return nil
}

type pendingResponse struct {
	Output []pendingRow `json:"output"`
}

type pendingRow struct {
	Ticker    string `json:"pdno"`
	Name      string `json:"prdt_name"`
	Unsettled string `json:"nccs_qty"`
}

// QueryUnsettledOrders lists orders not yet fully executed.
func (c *Client) QueryUnsettledOrders(ctx context.Context) ([]domain.UnsettledOrder, error) {
	q := c.accountQuery()
	q.Set("OVRS_EXCG_CD", c.opts.OrderExchange)
	q.Set("SORT_SQN", "DS")
	q.Set("CTX_AREA_FK200", "")
	q.Set("CTX_AREA_NK200", "")

	var resp pendingResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: pendingPath, trID: pendingTrID, query: q}, &resp); err != nil {
		return nil, fmt.Errorf("inquire pending orders: %w", err)
	}

	out := make([]domain.UnsettledOrder, 0, len(resp.Output))
	for _, row := range resp.Output {
		qty, err := parseFloat("nccs_qty", row.Unsettled)
		if err != nil {
			return nil, fmt.Errorf("pending %s: %w", row.Ticker, err)
		}
		out = append(out, domain.UnsettledOrder{
			Ticker:       strings.TrimSpace(row.Ticker),
			Name:         strings.TrimSpace(row.Name),
			UnsettledQty: qty,
		})
	}
	return out, nil
}
