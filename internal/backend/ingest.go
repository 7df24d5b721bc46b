package backend

import (
	"context"
	"net/http"
	"time"
)

// IngestEvent is the wire form of one raw usage event submitted to the
// daemon.
type IngestEvent struct {
	OccurredAt      time.Time `json:"occurred_at"`
	Provider        string    `json:"provider"`
	APIKeyRef       string    `json:"api_key_ref"`
	Model           string    `json:"model,omitempty"`
	Origin          string    `json:"origin,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Requests        int64     `json:"requests,omitempty"`
	InputTokens     int64     `json:"input_tokens,omitempty"`
	OutputTokens    int64     `json:"output_tokens,omitempty"`
	TotalTokens     int64     `json:"total_tokens,omitempty"`
	ReportedCostUSD *float64  `json:"reported_cost_usd,omitempty"`
	ReportedSource  string    `json:"reported_source,omitempty"`
}

// IngestUsage submits raw usage events for ingestion and returns the number
// accepted.
func (c *Client) IngestUsage(ctx context.Context, events []IngestEvent) (int, error) {
	var out struct {
		Ingested int `json:"ingested"`
	}
	body := map[string]any{"events": events}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/ingest", body, &out); err != nil {
		return 0, err
	}
	return out.Ingested, nil
}
