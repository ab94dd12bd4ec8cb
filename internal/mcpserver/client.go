package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/taintguard/internal/alerts"
	"github.com/mbd888/taintguard/internal/reports"
	"github.com/mbd888/taintguard/internal/reversal"
	"github.com/mbd888/taintguard/internal/taint"
)

// Config holds the configuration for connecting to a taintguard server.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	AdminToken string // optional; enables review tools
}

// Client is a plain HTTP client for the taintguard REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and decodes a 2xx body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// HasAdmin reports whether review tools can be used.
func (c *Client) HasAdmin() bool { return c.cfg.AdminToken != "" }

// CheckTaint returns the taint summary of a transaction.
func (c *Client) CheckTaint(ctx context.Context, txHash string) (*taint.Check, error) {
	var out taint.Check
	if err := c.doRequest(ctx, http.MethodGet, "/v1/taint/"+url.PathEscape(txHash), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TraceTaint follows funds forward from txHash.
func (c *Client) TraceTaint(ctx context.Context, txHash string, maxHops int) (*taint.Trace, error) {
	q := url.Values{}
	if maxHops > 0 {
		q.Set("maxHops", strconv.Itoa(maxHops))
	}
	var out struct {
		Trace taint.Trace `json:"trace"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/taint/"+url.PathEscape(txHash)+"/trace", q, nil, &out); err != nil {
		return nil, err
	}
	return &out.Trace, nil
}

// CheckAddress returns the fraud status of an address.
func (c *Client) CheckAddress(ctx context.Context, address string) (*alerts.AddressStatus, error) {
	var out alerts.AddressStatus
	if err := c.doRequest(ctx, http.MethodGet, "/v1/addresses/"+url.PathEscape(address)+"/fraud", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AlertPage is one page of recent alerts.
type AlertPage struct {
	Alerts     []*alerts.Alert `json:"alerts"`
	NextCursor string          `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
}

// RecentAlerts lists alerts newest first.
func (c *Client) RecentAlerts(ctx context.Context, limit int, cursor string) (*AlertPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out AlertPage
	if err := c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitResult is the response to a report submission.
type SubmitResult struct {
	ReportID string              `json:"reportId"`
	Status   reports.FactsStatus `json:"status"`
	Message  string              `json:"message"`
}

// SubmitReport files a stolen funds report.
func (c *Client) SubmitReport(ctx context.Context, body reports.SubmitBody) (*SubmitResult, error) {
	var out SubmitResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/reports", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportStatus returns the public status of a report.
func (c *Client) ReportStatus(ctx context.Context, reportID string) (*reports.Status, error) {
	var out reports.Status
	if err := c.doRequest(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(reportID)+"/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statistics returns system-wide fraud statistics.
func (c *Client) Statistics(ctx context.Context) (*reports.Statistics, error) {
	var out reports.Statistics
	if err := c.doRequest(ctx, http.MethodGet, "/v1/statistics", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PoolBalance is the system pool's spendable balance.
type PoolBalance struct {
	PoolAddress string `json:"poolAddress"`
	Balance     int64  `json:"balance"`
	BalanceGxc  string `json:"balanceGxc"`
}

// PoolBalance returns the system pool balance.
func (c *Client) PoolBalance(ctx context.Context) (*PoolBalance, error) {
	var out PoolBalance
	if err := c.doRequest(ctx, http.MethodGet, "/v1/pool/balance", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PendingReports lists reports awaiting review. Requires an admin token.
func (c *Client) PendingReports(ctx context.Context, limit int) ([]*reports.FraudReport, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Reports []*reports.FraudReport `json:"reports"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/reports/pending", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// Feasibility returns the reversal feasibility of a report. Requires an
// admin token.
func (c *Client) Feasibility(ctx context.Context, reportID string) (*reversal.Verdict, error) {
	var out reversal.Verdict
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/reports/"+url.PathEscape(reportID)+"/feasibility", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
