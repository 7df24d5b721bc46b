package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/janekbaraniewski/costlens/internal/core"
)

// Client talks to a costlens daemon over its unix socket.
type Client struct {
	SocketPath string
	http       *http.Client
}

var _ Backend = (*Client)(nil)

func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 2 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		DisableCompression: true,
		DisableKeepAlives:  true,
	}
	return &Client{
		SocketPath: socketPath,
		http: &http.Client{
			Transport: transport,
			Timeout:   12 * time.Second,
		},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if c == nil || strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("backend client is not configured")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("backend: %s %s: %s", method, path, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decoding response: %w", err)
	}
	return nil
}

func (c *Client) GetUsageStatistics(ctx context.Context, q UsageQuery) (UsageStatistics, error) {
	var stats UsageStatistics
	err := c.doJSON(ctx, http.MethodPost, "/v1/usage", q, &stats)
	return stats, err
}

func (c *Client) GetRecentRequests(ctx context.Context, limit int) ([]core.RequestRow, error) {
	var out struct {
		Rows []core.RequestRow `json:"rows"`
	}
	path := fmt.Sprintf("/v1/requests?limit=%d", limit)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *Client) GetProviderTimeline(ctx context.Context, provider string) ([]core.SchedulePeriod, error) {
	var out struct {
		Periods []core.SchedulePeriod `json:"periods"`
	}
	path := "/v1/timeline/" + url.PathEscape(provider)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Periods, nil
}

func (c *Client) SetProviderTimeline(ctx context.Context, provider string, periods []core.SchedulePeriod) error {
	body := map[string]any{"periods": periods}
	return c.doJSON(ctx, http.MethodPut, "/v1/timeline/"+url.PathEscape(provider), body, nil)
}

func (c *Client) SetProviderManualPricing(ctx context.Context, provider string, mode core.PricingMode, amountUSD float64, packageExpiresAt *time.Time) error {
	body := map[string]any{"mode": mode, "amount_usd": amountUSD}
	if packageExpiresAt != nil {
		body["package_expires_at"] = packageExpiresAt.UTC().Format(time.RFC3339)
	}
	return c.doJSON(ctx, http.MethodPut, "/v1/pricing/"+url.PathEscape(provider), body, nil)
}

func (c *Client) SetProviderGapFill(ctx context.Context, provider string, mode core.GapFillMode, amountUSD *float64) error {
	body := map[string]any{"mode": mode}
	if amountUSD != nil {
		body["amount_usd"] = *amountUSD
	}
	return c.doJSON(ctx, http.MethodPut, "/v1/gapfill/"+url.PathEscape(provider), body, nil)
}

func (c *Client) GetSpendHistory(ctx context.Context, days int) ([]core.HistoryEntry, error) {
	var out struct {
		Rows []core.HistoryEntry `json:"rows"`
	}
	path := fmt.Sprintf("/v1/history?days=%d", days)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *Client) SetSpendHistoryEntry(ctx context.Context, provider, dayKey string, totalUsedUSD, usdPerReq *float64) error {
	body := map[string]any{}
	if totalUsedUSD != nil {
		body["total_used_usd"] = *totalUsedUSD
	}
	if usdPerReq != nil {
		body["usd_per_req"] = *usdPerReq
	}
	path := "/v1/history/" + url.PathEscape(provider) + "/" + url.PathEscape(dayKey)
	return c.doJSON(ctx, http.MethodPut, path, body, nil)
}
