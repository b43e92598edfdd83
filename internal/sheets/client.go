package sheets

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

	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/internal/trace"
	"leadsheet/pkg/metrics"
)

// TokenSource supplies per-tenant bearer tokens for destination calls.
// Implemented by credential.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, tenantID string) (string, error)
	ForceRefresh(ctx context.Context, tenantID string) (string, error)
}

// Client talks to a Sheets-style values API addressed by spreadsheet ID and
// A1-range strings. An authorization failure on any call triggers exactly
// one forced credential refresh and one retry of the original call.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	tokens  TokenSource
	logger  *zap.Logger
}

func NewClient(baseURL string, tokens TokenSource, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://sheets.googleapis.com"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		tokens:  tokens,
		logger:  logger,
	}
}

type valueRange struct {
	Range          string     `json:"range,omitempty"`
	MajorDimension string     `json:"majorDimension,omitempty"`
	Values         [][]string `json:"values"`
}

// GetRange reads a range and returns its rows as strings.
func (c *Client) GetRange(ctx context.Context, tenantID, spreadsheetID, rng string) ([][]string, error) {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		c.BaseURL, url.PathEscape(spreadsheetID), url.PathEscape(rng))

	raw, err := c.do(ctx, tenantID, "get", http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Values [][]any `json:"values"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode range response: %w", err)
	}

	rows := make([][]string, len(body.Values))
	for i, row := range body.Values {
		cells := make([]string, len(row))
		for j, cell := range row {
			cells[j] = fmt.Sprintf("%v", cell)
		}
		rows[i] = cells
	}
	return rows, nil
}

// Append adds one row after the last data row of the range; the service
// picks the exact insertion point.
func (c *Client) Append(ctx context.Context, tenantID, spreadsheetID, rng string, row []string) error {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s:append?valueInputOption=USER_ENTERED",
		c.BaseURL, url.PathEscape(spreadsheetID), url.PathEscape(rng))

	payload, err := json.Marshal(valueRange{MajorDimension: "ROWS", Values: [][]string{row}})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tenantID, "append", http.MethodPost, u, payload)
	return err
}

// Update overwrites exactly the given range with one row of values.
func (c *Client) Update(ctx context.Context, tenantID, spreadsheetID, rng string, row []string) error {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=USER_ENTERED",
		c.BaseURL, url.PathEscape(spreadsheetID), url.PathEscape(rng))

	payload, err := json.Marshal(valueRange{Range: rng, MajorDimension: "ROWS", Values: [][]string{row}})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, tenantID, "update", http.MethodPut, u, payload)
	return err
}

// do runs one authorized call with the 401-refresh-retry contract and
// classifies destination-side failures.
func (c *Client) do(ctx context.Context, tenantID, op, method, u string, payload []byte) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	raw, status, err := c.once(ctx, op, method, u, token, payload)
	if err == nil && status == http.StatusUnauthorized {
		c.logger.Warn("destination rejected token, forcing refresh",
			zap.String("tenant", tenantID),
			zap.String("op", op),
		)
		token, err = c.tokens.ForceRefresh(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		raw, status, err = c.once(ctx, op, method, u, token, payload)
	}
	if err != nil {
		return nil, &errs.TransientError{Op: "sheets " + op, Err: err}
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, &errs.AuthError{Reason: "destination rejected refreshed token"}
	case status == http.StatusForbidden:
		return nil, &errs.PermissionError{Op: "sheets " + op, Detail: truncate(raw, 200)}
	case status == http.StatusNotFound:
		return nil, &errs.NotFoundError{Resource: "spreadsheet or range"}
	case status >= 500:
		return nil, &errs.TransientError{Op: "sheets " + op, Err: fmt.Errorf("http %d: %s", status, truncate(raw, 200))}
	case status < 200 || status >= 300:
		return nil, fmt.Errorf("sheets %s http %d: %s", op, status, truncate(raw, 200))
	}
	return raw, nil
}

func (c *Client) once(ctx context.Context, op, method, u, token string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	metrics.RecordSheetCallLatency(op, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))
	return raw, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
