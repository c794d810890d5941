// Package syncer replays the terminal's outbox against the server of
// record: one command per tick, dependency-gated, with backoff on
// transient failures and terminal rejection on business-rule errors.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// apiError carries the HTTP status so the engine can classify the failure.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Msg)
}

// IsRejection reports whether the error is a business-rule rejection that
// a resend cannot fix (404 / 409 / 422).
func IsRejection(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusNotFound ||
			ae.Status == http.StatusConflict ||
			ae.Status == http.StatusUnprocessableEntity
	}
	return false
}

type Client struct {
	HTTP    *http.Client
	BaseURL string
	Token   string
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		BaseURL: baseURL,
		Token:   token,
	}
}

type ShiftDTO struct {
	ID         int64  `json:"id"`
	TerminalID int64  `json:"terminal_id"`
	Status     string `json:"status"`
}

type OrderDTO struct {
	ID       int64           `json:"id"`
	Status   string          `json:"status"`
	ShiftID  *int64          `json:"shift_id"`
	Total    decimal.Decimal `json:"total"`
	Payments []PaymentDTO    `json:"payments"`
}

type ItemDTO struct {
	ID      int64  `json:"id"`
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

type PaymentDTO struct {
	ID        int64   `json:"id"`
	ClientUID *string `json:"client_uid"`
	Status    string  `json:"status"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	} else {
		buf = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = e.Message
		}
		if msg == "" {
			msg = res.Status
		}
		return &apiError{Status: res.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) ShiftCurrent(ctx context.Context, terminalID int64) (*ShiftDTO, error) {
	var s *ShiftDTO
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/shifts/current?terminal_id=%d", terminalID), nil, &s)
	if err != nil {
		return nil, err
	}
	if s == nil || s.ID == 0 {
		return nil, nil
	}
	return s, nil
}

func (c *Client) ShiftOpen(ctx context.Context, body any) (*ShiftDTO, error) {
	var s ShiftDTO
	if err := c.do(ctx, http.MethodPost, "/shifts/open", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) OrderOpen(ctx context.Context, body any) (*OrderDTO, error) {
	var o OrderDTO
	if err := c.do(ctx, http.MethodPost, "/orders/open", body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) ItemAdd(ctx context.Context, orderID int64, body any) (*ItemDTO, error) {
	var it ItemDTO
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/items", orderID), body, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

func (c *Client) PaymentAdd(ctx context.Context, orderID int64, body any) (*OrderDTO, error) {
	var o OrderDTO
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/payments", orderID), body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (c *Client) ItemCancel(ctx context.Context, orderID, itemID int64, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/items/%d/cancel", orderID, itemID), body, nil)
}
