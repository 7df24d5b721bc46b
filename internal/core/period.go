package core

import (
	"fmt"
	"time"
)

// SchedulePeriod is one persisted billing window for an upstream key.
// EndedAt is exclusive; nil means open-ended. AmountUSD is canonical USD.
type SchedulePeriod struct {
	ID        *int64      `json:"id,omitempty"`
	Mode      PricingMode `json:"mode"`
	AmountUSD float64     `json:"amount_usd"`
	APIKeyRef string      `json:"api_key_ref"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
}

// ActiveAt reports whether the period covers now: started_at <= now and
// now < ended_at (open-ended periods never end).
func (p SchedulePeriod) ActiveAt(now time.Time) bool {
	if now.Before(p.StartedAt) {
		return false
	}
	return p.EndedAt == nil || now.Before(*p.EndedAt)
}

// UpcomingAt reports whether the period starts after now.
func (p SchedulePeriod) UpcomingAt(now time.Time) bool {
	return p.StartedAt.After(now)
}

// DedupKey identifies the same underlying period seen through different
// provider aliases. Amounts are compared to 8 decimals.
func (p SchedulePeriod) DedupKey() string {
	end := "open"
	if p.EndedAt != nil {
		end = p.EndedAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%.8f",
		p.APIKeyRef, p.Mode, p.StartedAt.UTC().Format(time.RFC3339), end, p.AmountUSD)
}

// HistoryEntry is the persisted per (provider, day) cost reconciliation
// record. Day keys are "YYYY-MM-DD".
type HistoryEntry struct {
	Provider string `json:"provider"`
	Day      string `json:"day"`

	TrackedTotalUSD   float64 `json:"tracked_total_usd"`
	ScheduledTotalUSD float64 `json:"scheduled_total_usd"`

	ManualTotalUSD  *float64 `json:"manual_total_usd,omitempty"`
	ManualUSDPerReq *float64 `json:"manual_usd_per_req,omitempty"`

	Requests int64 `json:"requests"`

	EffectiveTotalUSD  float64  `json:"effective_total_usd"`
	EffectiveUSDPerReq *float64 `json:"effective_usd_per_req,omitempty"`
}

// Floor is the minimum cost already attributed for the day; an operator
// override can never go below it.
func (e HistoryEntry) Floor() float64 {
	return e.TrackedTotalUSD + e.ScheduledTotalUSD
}

// DayKey formats t as a history day key in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
