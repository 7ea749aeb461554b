package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// APIError is a non-2xx response or a response whose rt_cd is not "0".
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("broker api error (%d): %s %s", e.Status, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("broker api error (%d): %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("broker api error (%d): %s", e.Status, e.Code)
	}
	return fmt.Sprintf("broker api error (%d)", e.Status)
}

type errorResponse struct {
	MsgCd            string `json:"msg_cd"`
	Msg1             string `json:"msg1"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

func parseHTTPError(status int, payload []byte) error {
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Msg1 != "" || body.MsgCd != "" {
			return &APIError{Status: status, Code: body.MsgCd, Message: body.Msg1}
		}
		if body.ErrorDescription != "" || body.ErrorCode != "" {
			return &APIError{Status: status, Code: body.ErrorCode, Message: body.ErrorDescription}
		}
	}
	return &APIError{Status: status, Message: strings.TrimSpace(string(payload))}
}

// parseDecimal reads a numeric string field. Blank or malformed values are errors, never zero.
func parseDecimal(field, v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Decimal{}, fmt.Errorf("%s: empty value", field)
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(v, ",", ""))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: parse %q: %w", field, v, err)
	}
	return d, nil
}

func parseFloat(field, v string) (float64, error) {
	d, err := parseDecimal(field, v)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
