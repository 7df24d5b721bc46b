package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/pricing"
)

var _ backend.Backend = (*Store)(nil)

func inClause(column string, values []string, args *[]any) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	for _, v := range values {
		*args = append(*args, v)
	}
	return fmt.Sprintf(" AND %s IN (%s)", column, placeholders)
}

// GetUsageStatistics aggregates usage per (provider, upstream key), tags
// each row with its winning pricing source, and derives cost fields.
func (s *Store) GetUsageStatistics(ctx context.Context, q backend.UsageQuery) (backend.UsageStatistics, error) {
	hours := q.Hours
	if hours <= 0 {
		hours = 24 * 30
	}
	now := s.now().UTC()
	cutoff := now.Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)

	args := []any{cutoff}
	filter := inClause("provider", q.Providers, &args)
	filter += inClause("model", q.Models, &args)
	filter += inClause("origin", q.Origins, &args)

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, api_key_ref,
			SUM(requests), SUM(input_tokens), SUM(output_tokens), SUM(total_tokens),
			SUM(COALESCE(reported_cost_usd, 0)),
			MAX(reported_source)
		FROM usage_events
		WHERE occurred_at >= ?`+filter+`
		GROUP BY provider, api_key_ref
		ORDER BY provider, api_key_ref`, args...)
	if err != nil {
		return backend.UsageStatistics{}, fmt.Errorf("telemetry: aggregating providers: %w", err)
	}
	defer rows.Close()

	type providerAgg struct {
		row          core.UsageRow
		reportedUSD  float64
		reportedKind string
	}
	var aggs []providerAgg
	for rows.Next() {
		var a providerAgg
		if err := rows.Scan(&a.row.Provider, &a.row.APIKeyRef,
			&a.row.Requests, &a.row.InputTokens, &a.row.OutputTokens, &a.row.TotalTokens,
			&a.reportedUSD, &a.reportedKind); err != nil {
			return backend.UsageStatistics{}, fmt.Errorf("telemetry: scanning provider row: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return backend.UsageStatistics{}, fmt.Errorf("telemetry: reading provider rows: %w", err)
	}

	stats := backend.UsageStatistics{GeneratedAt: now}
	for _, a := range aggs {
		signals, err := s.signalsFor(ctx, a.row.Provider, a.row.APIKeyRef, now, hours)
		if err != nil {
			return backend.UsageStatistics{}, err
		}
		if a.reportedUSD > 0 {
			reported := a.reportedUSD
			signals.SharedReportedUSD = &reported
			signals.SharedKind = core.ParsePricingSource(a.reportedKind).Kind()
		}
		resolved := pricing.Finalize(a.row, pricing.Resolve(a.row.Requests, signals))
		stats.Summary.ByProvider = append(stats.Summary.ByProvider, resolved)
		stats.Summary.TotalRequests += resolved.Requests
		stats.Summary.TotalTokens += resolved.TotalTokens
	}

	if err := s.fillModelRows(ctx, &stats, cutoff, q); err != nil {
		return backend.UsageStatistics{}, err
	}
	if err := s.fillTimeline(ctx, &stats, cutoff, q); err != nil {
		return backend.UsageStatistics{}, err
	}
	if err := s.fillCatalog(ctx, &stats); err != nil {
		return backend.UsageStatistics{}, err
	}
	return stats, nil
}

// signalsFor assembles the pricing signals visible for one provider/key:
// manual pricing config, the active schedule period, manual history
// corrections, and gap-fill config.
func (s *Store) signalsFor(ctx context.Context, provider, apiKeyRef string, now time.Time, hours int) (pricing.Signals, error) {
	signals := pricing.Signals{WindowDays: (hours + 23) / 24}

	var mode string
	var amount float64
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, amount_usd FROM provider_pricing WHERE provider = ?`, provider,
	).Scan(&mode, &amount)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return signals, fmt.Errorf("telemetry: reading pricing for %s: %w", provider, err)
	default:
		switch core.PricingMode(mode) {
		case core.ModePerRequest:
			signals.ManualPerRequestUSD = &amount
		case core.ModePackageTotal:
			signals.PackageTotalUSD = &amount
		}
	}

	periods, err := s.GetProviderTimeline(ctx, provider)
	if err != nil {
		return signals, err
	}
	for _, p := range periods {
		if apiKeyRef != "" && p.APIKeyRef != "" && p.APIKeyRef != apiKeyRef {
			continue
		}
		if !p.ActiveAt(now) {
			continue
		}
		v := p.AmountUSD
		switch p.Mode {
		case core.ModePerRequest:
			signals.ManualPerRequestUSD = &v
			signals.PerRequestFromPeriod = true
		case core.ModePackageTotal:
			signals.PackageTotalUSD = &v
			signals.PackageFromPeriod = true
		}
	}

	if signals.PackageTotalUSD != nil {
		var adjustment sql.NullFloat64
		dayCutoff := core.DayKey(now.Add(-time.Duration(hours) * time.Hour))
		err := s.db.QueryRowContext(ctx,
			`SELECT SUM(manual_total_usd) FROM spend_history WHERE provider = ? AND day >= ?`,
			provider, dayCutoff,
		).Scan(&adjustment)
		if err != nil && err != sql.ErrNoRows {
			return signals, fmt.Errorf("telemetry: reading history adjustments for %s: %w", provider, err)
		}
		if adjustment.Valid && adjustment.Float64 != 0 {
			v := adjustment.Float64
			signals.HistoryAdjustmentUSD = &v
		}
	}

	var gapMode string
	var gapAmount sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT mode, amount_usd FROM provider_gap_fill WHERE provider = ?`, provider,
	).Scan(&gapMode, &gapAmount)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return signals, fmt.Errorf("telemetry: reading gap fill for %s: %w", provider, err)
	case gapAmount.Valid:
		v := gapAmount.Float64
		switch core.GapFillMode(gapMode) {
		case core.GapFillModePerRequest:
			signals.GapFillPerRequestUSD = &v
		case core.GapFillModeDailyAvg:
			signals.GapFillDailyAvgUSD = &v
		default:
			signals.GapFillTotalUSD = &v
		}
	}

	return signals, nil
}

func (s *Store) fillModelRows(ctx context.Context, stats *backend.UsageStatistics, cutoff string, q backend.UsageQuery) error {
	args := []any{cutoff}
	filter := inClause("provider", q.Providers, &args)
	filter += inClause("model", q.Models, &args)
	filter += inClause("origin", q.Origins, &args)

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, SUM(requests), SUM(input_tokens), SUM(output_tokens), SUM(total_tokens)
		FROM usage_events
		WHERE occurred_at >= ? AND model != ''`+filter+`
		GROUP BY model
		ORDER BY SUM(requests) DESC`, args...)
	if err != nil {
		return fmt.Errorf("telemetry: aggregating models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row core.UsageRow
		if err := rows.Scan(&row.Model, &row.Requests, &row.InputTokens, &row.OutputTokens, &row.TotalTokens); err != nil {
			return fmt.Errorf("telemetry: scanning model row: %w", err)
		}
		stats.Summary.ByModel = append(stats.Summary.ByModel, row)
	}
	return rows.Err()
}

func (s *Store) fillTimeline(ctx context.Context, stats *backend.UsageStatistics, cutoff string, q backend.UsageQuery) error {
	args := []any{cutoff}
	filter := inClause("provider", q.Providers, &args)
	filter += inClause("model", q.Models, &args)
	filter += inClause("origin", q.Origins, &args)

	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(occurred_at, 1, 10) AS day,
			SUM(requests), SUM(total_tokens), SUM(COALESCE(reported_cost_usd, 0))
		FROM usage_events
		WHERE occurred_at >= ?`+filter+`
		GROUP BY day
		ORDER BY day`, args...)
	if err != nil {
		return fmt.Errorf("telemetry: aggregating timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bucket core.TimelineBucket
		var day string
		if err := rows.Scan(&day, &bucket.Requests, &bucket.Tokens, &bucket.CostUSD); err != nil {
			return fmt.Errorf("telemetry: scanning timeline bucket: %w", err)
		}
		bucket.Label = day
		if t, err := time.Parse("2006-01-02", day); err == nil {
			bucket.Start = t.UTC()
		}
		stats.Summary.Timeline = append(stats.Summary.Timeline, bucket)
	}
	return rows.Err()
}

func (s *Store) fillCatalog(ctx context.Context, stats *backend.UsageStatistics) error {
	for _, col := range []struct {
		column string
		target *[]string
	}{
		{"provider", &stats.Catalog.Providers},
		{"model", &stats.Catalog.Models},
		{"origin", &stats.Catalog.Origins},
	} {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT DISTINCT %s FROM usage_events WHERE %s != '' ORDER BY %s`,
			col.column, col.column, col.column))
		if err != nil {
			return fmt.Errorf("telemetry: reading %s catalog: %w", col.column, err)
		}
		for rows.Next() {
			var v string
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return fmt.Errorf("telemetry: scanning %s catalog: %w", col.column, err)
			}
			*col.target = append(*col.target, v)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// GetRecentRequests returns the newest raw request rows, newest first.
func (s *Store) GetRecentRequests(ctx context.Context, limit int) ([]core.RequestRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, provider, api_key_ref, model, origin, session_id,
			input_tokens, output_tokens, total_tokens, reported_cost_usd
		FROM usage_events
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: reading recent requests: %w", err)
	}
	defer rows.Close()

	var out []core.RequestRow
	for rows.Next() {
		var row core.RequestRow
		var occurred string
		var cost sql.NullFloat64
		if err := rows.Scan(&occurred, &row.Provider, &row.APIKeyRef, &row.Model,
			&row.Origin, &row.SessionID,
			&row.InputTokens, &row.OutputTokens, &row.TotalTokens, &cost); err != nil {
			return nil, fmt.Errorf("telemetry: scanning request row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, occurred); err == nil {
			row.OccurredAt = t
		}
		if cost.Valid {
			v := cost.Float64
			row.CostUSD = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
