package core

import (
	"fmt"
	"time"
)

// PricingMode is an operator-selected billing mode for a provider.
type PricingMode string

const (
	ModeNone         PricingMode = "none"
	ModePerRequest   PricingMode = "per_request"
	ModePackageTotal PricingMode = "package_total"
)

func (m PricingMode) Valid() bool {
	switch m {
	case ModeNone, ModePerRequest, ModePackageTotal:
		return true
	}
	return false
}

// GapFillMode selects how a fallback estimate is applied when no stronger
// pricing signal covers a provider.
type GapFillMode string

const (
	GapFillModePerRequest GapFillMode = "per_request"
	GapFillModeTotal      GapFillMode = "total"
	GapFillModeDailyAvg   GapFillMode = "daily_avg"
)

func (m GapFillMode) Valid() bool {
	switch m {
	case GapFillModePerRequest, GapFillModeTotal, GapFillModeDailyAvg:
		return true
	}
	return false
}

// UsageRow is aggregated telemetry for one (provider, upstream key, window).
// Rows are produced by the backend and regenerated on every refresh; the
// engine never mutates them in place.
type UsageRow struct {
	Provider     string `json:"provider"`
	APIKeyRef    string `json:"api_key_ref"`
	Model        string `json:"model,omitempty"`
	Requests     int64  `json:"requests"`
	TotalTokens  int64  `json:"total_tokens"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`

	PricingSource string `json:"pricing_source"`

	EstimatedTotalCostUSD      *float64 `json:"estimated_total_cost_usd,omitempty"`
	EstimatedAvgRequestCostUSD *float64 `json:"estimated_avg_request_cost_usd,omitempty"`
}

func (r UsageRow) Source() PricingSource {
	return ParsePricingSource(r.PricingSource)
}

func (r UsageRow) EffectiveTotalUSD() float64 {
	if r.EstimatedTotalCostUSD == nil {
		return 0
	}
	return *r.EstimatedTotalCostUSD
}

// TimelineBucket is one point of the request-volume timeline.
type TimelineBucket struct {
	Label    string    `json:"label"`
	Start    time.Time `json:"start"`
	Requests float64   `json:"requests"`
	Tokens   float64   `json:"tokens"`
	CostUSD  float64   `json:"cost_usd"`
}

// RequestRow is one raw telemetry request, used by incremental top-up
// fetches. Identity covers every field that distinguishes two requests
// recorded in the same instant.
type RequestRow struct {
	OccurredAt   time.Time `json:"occurred_at"`
	Provider     string    `json:"provider"`
	APIKeyRef    string    `json:"api_key_ref"`
	Model        string    `json:"model,omitempty"`
	Origin       string    `json:"origin,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CostUSD      *float64  `json:"cost_usd,omitempty"`
}

// IdentityKey is the composite identity used to recognize already-loaded
// rows during merge-latest top-ups.
func (r RequestRow) IdentityKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d|%d",
		r.OccurredAt.UTC().Format(time.RFC3339Nano),
		r.Provider, r.APIKeyRef, r.Model, r.Origin, r.SessionID,
		r.InputTokens, r.OutputTokens, r.TotalTokens)
}

type Catalog struct {
	Providers []string `json:"providers"`
	Models    []string `json:"models"`
	Origins   []string `json:"origins"`
}

type UsageSummary struct {
	ByProvider    []UsageRow       `json:"by_provider"`
	ByModel       []UsageRow       `json:"by_model"`
	Timeline      []TimelineBucket `json:"timeline"`
	TotalRequests int64            `json:"total_requests"`
	TotalTokens   int64            `json:"total_tokens"`
}

// UsdPerMillionTokens derives the per-megatoken rate. Nil when the row has
// no tokens.
func UsdPerMillionTokens(effectiveTotalUSD float64, totalTokens int64) *float64 {
	if totalTokens <= 0 {
		return nil
	}
	v := effectiveTotalUSD / float64(totalTokens) * 1e6
	return &v
}

// AvgRequestCostUSD derives the mean request cost. Nil when the row has no
// requests.
func AvgRequestCostUSD(effectiveTotalUSD float64, requests int64) *float64 {
	if requests <= 0 {
		return nil
	}
	v := effectiveTotalUSD / float64(requests)
	return &v
}
