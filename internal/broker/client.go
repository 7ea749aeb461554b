package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://openapi.koreainvestment.com:9443"

// Options parameterise the brokerage client.
type Options struct {
	BaseURL            string
	AppKey             string
	AppSecret          string
	AccountNumber      string
	AccountProductCode string
	// OrderExchange is the exchange code used by trading endpoints (NASD).
	OrderExchange string
	// QuoteExchange is the exchange code used by quotation endpoints (NAS).
	QuoteExchange string
	// ChartMarketCode selects the market division of the daily chart endpoint.
	ChartMarketCode string
	// MarketCodes overrides ChartMarketCode per ticker (FX@KRW charts under "X").
	MarketCodes map[string]string
	Timeout     time.Duration
	// CallInterval spaces consecutive history pages.
	CallInterval time.Duration
	UserAgent    string
	// Location is the exchange's timezone; paging stops at today's date there.
	Location *time.Location
}

// Client talks to the overseas-equity brokerage REST API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	http    *http.Client
	baseURL string
	tokens  oauth2.TokenSource
	now     func() time.Time
}

// NewClient constructs a brokerage client. The access token is requested lazily and
// reused until it expires.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.OrderExchange == "" {
		opts.OrderExchange = "NASD"
	}
	if opts.QuoteExchange == "" {
		opts.QuoteExchange = "NAS"
	}
	if opts.ChartMarketCode == "" {
		opts.ChartMarketCode = "N"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "broker_client").Logger(),
		http:    &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
	c.tokens = oauth2.ReuseTokenSource(nil, &appTokenSource{client: c})
	return c
}

type request struct {
	method   string
	path     string
	trID     string
	custType string
	query    url.Values
	body     any
}

// envelope is the status block every API response carries.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	endpoint := c.baseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("authorization", "Bearer "+token.AccessToken)
	req.Header.Set("tr_id", r.trID)
	if r.custType != "" {
		req.Header.Set("custtype", r.custType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", r.trID, err)
	}
	if env.RtCd != "" && env.RtCd != "0" {
		return &APIError{Status: resp.StatusCode, Code: env.MsgCd, Message: env.Msg1}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.trID, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("appkey", c.opts.AppKey)
	req.Header.Set("appsecret", c.opts.AppSecret)
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "cap-rebalancer/1.0")
	}
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
