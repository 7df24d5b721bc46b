package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/janekbaraniewski/costlens/internal/core"
)

// GetProviderTimeline loads the provider's schedule periods, oldest first.
func (s *Store) GetProviderTimeline(ctx context.Context, provider string) ([]core.SchedulePeriod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period_id, api_key_ref, mode, amount_usd, started_at, ended_at
		FROM schedule_periods
		WHERE provider = ?
		ORDER BY started_at`, provider)
	if err != nil {
		return nil, fmt.Errorf("telemetry: reading periods for %s: %w", provider, err)
	}
	defer rows.Close()

	var out []core.SchedulePeriod
	for rows.Next() {
		var p core.SchedulePeriod
		var id int64
		var started string
		var ended sql.NullString
		if err := rows.Scan(&id, &p.APIKeyRef, (*string)(&p.Mode), &p.AmountUSD, &started, &ended); err != nil {
			return nil, fmt.Errorf("telemetry: scanning period: %w", err)
		}
		p.ID = &id
		if t, err := time.Parse(time.RFC3339, started); err == nil {
			p.StartedAt = t
		}
		if ended.Valid {
			if t, err := time.Parse(time.RFC3339, ended.String); err == nil {
				p.EndedAt = &t
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProviderTimeline replaces the provider's full period list. Omitted
// periods are deleted.
func (s *Store) SetProviderTimeline(ctx context.Context, provider string, periods []core.SchedulePeriod) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("telemetry: timeline begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_periods WHERE provider = ?`, provider); err != nil {
		return fmt.Errorf("telemetry: clearing periods for %s: %w", provider, err)
	}
	for _, p := range periods {
		var ended any
		if p.EndedAt != nil {
			ended = p.EndedAt.UTC().Format(time.RFC3339)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO schedule_periods (provider, api_key_ref, mode, amount_usd, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			provider, p.APIKeyRef, string(p.Mode), p.AmountUSD,
			p.StartedAt.UTC().Format(time.RFC3339), ended)
		if err != nil {
			return fmt.Errorf("telemetry: inserting period for %s: %w", provider, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SetProviderManualPricing(ctx context.Context, provider string, mode core.PricingMode, amountUSD float64, packageExpiresAt *time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("telemetry: invalid pricing mode %q", mode)
	}
	var expires any
	if packageExpiresAt != nil {
		expires = packageExpiresAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_pricing (provider, mode, amount_usd, package_expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			mode = excluded.mode,
			amount_usd = excluded.amount_usd,
			package_expires_at = excluded.package_expires_at,
			updated_at = excluded.updated_at`,
		provider, string(mode), amountUSD, expires, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("telemetry: writing pricing for %s: %w", provider, err)
	}
	return nil
}

func (s *Store) SetProviderGapFill(ctx context.Context, provider string, mode core.GapFillMode, amountUSD *float64) error {
	if !mode.Valid() {
		return fmt.Errorf("telemetry: invalid gap fill mode %q", mode)
	}
	var amount any
	if amountUSD != nil {
		amount = *amountUSD
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_gap_fill (provider, mode, amount_usd, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			mode = excluded.mode,
			amount_usd = excluded.amount_usd,
			updated_at = excluded.updated_at`,
		provider, string(mode), amount, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("telemetry: writing gap fill for %s: %w", provider, err)
	}
	return nil
}

// GetSpendHistory returns per-day reconciliation entries for the last N
// days, newest first, with effective totals derived on read.
func (s *Store) GetSpendHistory(ctx context.Context, days int) ([]core.HistoryEntry, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := core.DayKey(s.now().AddDate(0, 0, -days))

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, day, tracked_total_usd, scheduled_total_usd,
			manual_total_usd, manual_usd_per_req, requests
		FROM spend_history
		WHERE day >= ?
		ORDER BY day DESC, provider`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("telemetry: reading spend history: %w", err)
	}
	defer rows.Close()

	var out []core.HistoryEntry
	for rows.Next() {
		var e core.HistoryEntry
		var manualTotal, manualPerReq sql.NullFloat64
		if err := rows.Scan(&e.Provider, &e.Day, &e.TrackedTotalUSD, &e.ScheduledTotalUSD,
			&manualTotal, &manualPerReq, &e.Requests); err != nil {
			return nil, fmt.Errorf("telemetry: scanning history entry: %w", err)
		}
		if manualTotal.Valid {
			v := manualTotal.Float64
			e.ManualTotalUSD = &v
		}
		if manualPerReq.Valid {
			v := manualPerReq.Float64
			e.ManualUSDPerReq = &v
		}
		deriveEffective(&e)
		out = append(out, e)
	}
	return out, rows.Err()
}

// deriveEffective computes the display totals. An override can only raise
// the day's cost above the tracked + scheduled floor.
func deriveEffective(e *core.HistoryEntry) {
	floor := e.Floor()
	e.EffectiveTotalUSD = floor
	switch {
	case e.ManualTotalUSD != nil:
		e.EffectiveTotalUSD = floor + *e.ManualTotalUSD
	case e.ManualUSDPerReq != nil:
		candidate := *e.ManualUSDPerReq * float64(e.Requests)
		if candidate > floor {
			e.EffectiveTotalUSD = candidate
		}
	}
	if e.ManualUSDPerReq != nil {
		e.EffectiveUSDPerReq = e.ManualUSDPerReq
	} else {
		e.EffectiveUSDPerReq = core.AvgRequestCostUSD(e.EffectiveTotalUSD, e.Requests)
	}
}

// SetSpendHistoryEntry upserts one day's manual overrides. Nil values
// clear the corresponding override.
func (s *Store) SetSpendHistoryEntry(ctx context.Context, provider, dayKey string, totalUsedUSD, usdPerReq *float64) error {
	var total, perReq any
	if totalUsedUSD != nil {
		total = *totalUsedUSD
	}
	if usdPerReq != nil {
		perReq = *usdPerReq
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spend_history (provider, day, manual_total_usd, manual_usd_per_req)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, day) DO UPDATE SET
			manual_total_usd = excluded.manual_total_usd,
			manual_usd_per_req = excluded.manual_usd_per_req`,
		provider, dayKey, total, perReq)
	if err != nil {
		return fmt.Errorf("telemetry: writing history entry %s/%s: %w", provider, dayKey, err)
	}
	return nil
}

// RollUpDay recomputes one day's tracked and scheduled totals for every
// provider with activity or a schedule period, preserving manual overrides.
// Tracked comes from reported event costs; scheduled attributes active
// package periods evenly across their window (open-ended periods over 30
// days). A package period accrues for its day even when the provider had
// zero traffic.
func (s *Store) RollUpDay(ctx context.Context, day string) error {
	dayStart, err := time.Parse("2006-01-02", day)
	if err != nil {
		return fmt.Errorf("telemetry: invalid day key %q: %w", day, err)
	}
	dayStart = dayStart.UTC()
	next := dayStart.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, SUM(requests), SUM(COALESCE(reported_cost_usd, 0))
		FROM usage_events
		WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY provider`,
		dayStart.Format(time.RFC3339), next.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("telemetry: rolling up %s: %w", day, err)
	}
	defer rows.Close()

	type dayAgg struct {
		provider string
		requests int64
		tracked  float64
	}
	var aggs []dayAgg
	for rows.Next() {
		var a dayAgg
		if err := rows.Scan(&a.provider, &a.requests, &a.tracked); err != nil {
			return fmt.Errorf("telemetry: scanning roll-up row: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, a := range aggs {
		seen[a.provider] = true
	}
	provRows, err := s.db.QueryContext(ctx, `SELECT DISTINCT provider FROM schedule_periods`)
	if err != nil {
		return fmt.Errorf("telemetry: listing scheduled providers: %w", err)
	}
	defer provRows.Close()
	for provRows.Next() {
		var provider string
		if err := provRows.Scan(&provider); err != nil {
			return fmt.Errorf("telemetry: scanning scheduled provider: %w", err)
		}
		if !seen[provider] {
			aggs = append(aggs, dayAgg{provider: provider})
		}
	}
	if err := provRows.Err(); err != nil {
		return err
	}

	for _, a := range aggs {
		scheduled, err := s.scheduledForDay(ctx, a.provider, dayStart)
		if err != nil {
			return err
		}
		if a.requests == 0 && a.tracked == 0 && scheduled == 0 {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO spend_history (provider, day, tracked_total_usd, scheduled_total_usd, requests)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(provider, day) DO UPDATE SET
				tracked_total_usd = excluded.tracked_total_usd,
				scheduled_total_usd = excluded.scheduled_total_usd,
				requests = excluded.requests`,
			a.provider, day, a.tracked, scheduled, a.requests)
		if err != nil {
			return fmt.Errorf("telemetry: writing roll-up %s/%s: %w", a.provider, day, err)
		}
	}
	return nil
}

func (s *Store) scheduledForDay(ctx context.Context, provider string, dayStart time.Time) (float64, error) {
	periods, err := s.GetProviderTimeline(ctx, provider)
	if err != nil {
		return 0, err
	}
	noon := dayStart.Add(12 * time.Hour)
	var scheduled float64
	for _, p := range periods {
		if p.Mode != core.ModePackageTotal || !p.ActiveAt(noon) {
			continue
		}
		days := 30.0
		if p.EndedAt != nil {
			days = p.EndedAt.Sub(p.StartedAt).Hours() / 24
			if days < 1 {
				days = 1
			}
		}
		scheduled += p.AmountUSD / days
	}
	return scheduled, nil
}
