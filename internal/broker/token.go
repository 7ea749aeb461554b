package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const tokenPath = "/oauth2/tokenP"

// expirySlack renews the token a little before the brokerage stops accepting it.
const expirySlack = time.Minute

// appTokenSource exchanges the app key/secret for an access token. It is wrapped in
// oauth2.ReuseTokenSource so a token is only requested once per validity period.
type appTokenSource struct {
	client *Client
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *appTokenSource) Token() (*oauth2.Token, error) {
	c := s.client
	if c.opts.AppKey == "" || c.opts.AppSecret == "" {
		return nil, errors.New("broker app key and secret required")
	}

	raw, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    c.opts.AppKey,
		AppSecret: c.opts.AppSecret,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var tr tokenResponse
	if err := json.Unmarshal(payload, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response carried no access_token")
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: tr.TokenType}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - expirySlack)
	}
	c.logger.Info().Time("expiry", tok.Expiry).Msg("access token issued")
	return tok, nil
}
