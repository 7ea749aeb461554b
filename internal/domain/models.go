package domain

import (
	"fmt"
	"strings"
	"time"
)

// PricePoint is a daily closing price for a listed instrument.
type PricePoint struct {
	Ticker string
	Date   time.Time
	Price  float64
}

// IndexPoint is a daily index level with its derived return against the previous stored point.
type IndexPoint struct {
	Ticker         string
	Date           time.Time
	Price          float64
	DailyReturnPct float64
}

// CandidateInstrument is one row of the market-cap screen. It is never persisted.
type CandidateInstrument struct {
	Ticker      string
	DisplayName string
	MarketCap   float64
}

// TargetAllocation is the currency amount the portfolio should hold in one instrument.
type TargetAllocation struct {
	Ticker       string  `json:"ticker"`
	DisplayName  string  `json:"display_name"`
	MarketCap    float64 `json:"market_cap"`
	TargetAmount float64 `json:"target_amount"`
}

// HoldingPosition mirrors one line of the brokerage balance.
type HoldingPosition struct {
	Ticker            string
	DisplayName       string
	AvailableQuantity int64
	CurrentValuation  float64
	CurrentPrice      float64
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(v))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown order side %q", v)
	}
}

// OrderIntent is a limit order produced by the decision engine. Quantity is always positive;
// the direction lives in Side.
type OrderIntent struct {
	Ticker     string  `json:"ticker"`
	Quantity   int64   `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
	Side       Side    `json:"side"`
	Reason     string  `json:"reason,omitempty"`
}

func (o OrderIntent) String() string {
	return fmt.Sprintf("%s %d %s @ %.4f", o.Side, o.Quantity, o.Ticker, o.LimitPrice)
}

// UnsettledOrder is a pending order reported by the brokerage.
type UnsettledOrder struct {
	Ticker       string
	Name         string
	UnsettledQty float64
}
