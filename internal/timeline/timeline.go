package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/parse"
)

// Row is one editable draft row: a unique underlying period plus every
// provider alias it was seen through.
type Row struct {
	Period  core.SchedulePeriod
	Aliases []string
}

// EditRow is the operator-facing editable form of a period.
type EditRow struct {
	ID         *int64
	Mode       core.PricingMode
	AmountText string
	StartText  string
	EndText    string
	APIKeyRef  string
	Aliases    []string
}

// InvalidRowsError reports which rows failed validation. No row of the
// batch is persisted when any row is invalid.
type InvalidRowsError struct {
	Indices []int
}

func (e *InvalidRowsError) Error() string {
	return fmt.Sprintf("timeline: invalid rows at %v", e.Indices)
}

// ErrNoAmount is returned by package activation when neither a draft amount
// nor an existing period amount is available.
var ErrNoAmount = errors.New("timeline: no package amount available")

// MergeAcrossAliases deduplicates periods loaded for several providers that
// represent the same underlying subscription window, merging alias lists.
func MergeAcrossAliases(byProvider map[string][]core.SchedulePeriod) []Row {
	merged := map[string]*Row{}
	var order []string
	providers := lo.Keys(byProvider)
	sort.Strings(providers)

	for _, provider := range providers {
		for _, period := range byProvider[provider] {
			key := period.DedupKey()
			row, ok := merged[key]
			if !ok {
				row = &Row{Period: period}
				merged[key] = row
				order = append(order, key)
			}
			if !lo.Contains(row.Aliases, provider) {
				row.Aliases = append(row.Aliases, provider)
			}
			if row.Period.ID == nil && period.ID != nil {
				row.Period.ID = period.ID
			}
		}
	}

	rows := make([]Row, 0, len(order))
	for _, key := range order {
		rows = append(rows, *merged[key])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Period.StartedAt.Before(rows[j].Period.StartedAt)
	})
	return rows
}

// ParseRows validates and parses a full edit batch. Validation is
// all-or-nothing: any invalid row fails the whole batch.
func ParseRows(rows []EditRow) ([]Row, error) {
	parsed := make([]Row, 0, len(rows))
	var invalid []int

	for i, edit := range rows {
		amount := parse.ParseAmount(edit.AmountText)
		start := parse.ParseInstant(edit.StartText)
		var end *time.Time
		if strings.TrimSpace(edit.EndText) != "" {
			end = parse.ParseInstant(edit.EndText)
			if end == nil {
				invalid = append(invalid, i)
				continue
			}
		}

		mode := edit.Mode
		if mode != core.ModePerRequest && mode != core.ModePackageTotal {
			invalid = append(invalid, i)
			continue
		}
		if amount == nil || start == nil || (end != nil && !end.After(*start)) {
			invalid = append(invalid, i)
			continue
		}

		parsed = append(parsed, Row{
			Period: core.SchedulePeriod{
				ID:        edit.ID,
				Mode:      mode,
				AmountUSD: *amount,
				APIKeyRef: edit.APIKeyRef,
				StartedAt: *start,
				EndedAt:   end,
			},
			Aliases: edit.Aliases,
		})
	}

	if len(invalid) > 0 {
		return nil, &InvalidRowsError{Indices: invalid}
	}
	return parsed, nil
}

// keySignature is the merged period signature for one upstream key, used to
// skip persistence for keys whose periods did not change.
func keySignature(periods []core.SchedulePeriod) string {
	keys := lo.Map(periods, func(p core.SchedulePeriod, _ int) string {
		return p.DedupKey()
	})
	sort.Strings(keys)
	return strings.Join(keys, ";")
}

// Manager loads and persists schedule periods for a provider and every
// provider sharing its upstream keys.
type Manager struct {
	backend   backend.Backend
	providers []string

	lastSaved    map[string]string   // api_key_ref -> merged signature
	aliasesByKey map[string][]string // api_key_ref -> providers that carry it
}

func NewManager(b backend.Backend, providers []string) *Manager {
	return &Manager{
		backend:      b,
		providers:    providers,
		lastSaved:    map[string]string{},
		aliasesByKey: map[string][]string{},
	}
}

// Load fetches periods for the target provider plus every other managed
// provider and merges them into one draft row per unique period.
func (m *Manager) Load(ctx context.Context, target string) ([]Row, error) {
	providers := m.providers
	if !lo.Contains(providers, target) {
		providers = append([]string{target}, providers...)
	}

	byProvider := map[string][]core.SchedulePeriod{}
	for _, provider := range providers {
		periods, err := m.backend.GetProviderTimeline(ctx, provider)
		if err != nil {
			return nil, fmt.Errorf("timeline: loading periods for %s: %w", provider, err)
		}
		byProvider[provider] = periods
	}

	rows := MergeAcrossAliases(byProvider)
	m.rememberSignatures(rows)
	return rows, nil
}

func (m *Manager) rememberSignatures(rows []Row) {
	byKey := lo.GroupBy(rows, func(r Row) string { return r.Period.APIKeyRef })
	m.lastSaved = map[string]string{}
	m.aliasesByKey = map[string][]string{}
	for key, grouped := range byKey {
		periods := lo.Map(grouped, func(r Row, _ int) core.SchedulePeriod { return r.Period })
		m.lastSaved[key] = keySignature(periods)
		aliases := lo.Uniq(lo.Flatten(lo.Map(grouped, func(r Row, _ int) []string { return r.Aliases })))
		sort.Strings(aliases)
		m.aliasesByKey[key] = aliases
	}
}

// Save validates the whole batch and persists only for the upstream keys
// whose merged signature changed since the last load/save. Because writes
// are full-replace per provider, every alias touched by a changed key is
// rewritten with its COMPLETE period list across all keys it carries;
// sending just the changed key's slice would delete the alias's periods
// under its other keys.
func (m *Manager) Save(ctx context.Context, rows []EditRow) error {
	parsed, err := ParseRows(rows)
	if err != nil {
		return err
	}

	byKey := lo.GroupBy(parsed, func(r Row) string { return r.Period.APIKeyRef })

	// Keys that lost every period still count as changed so their aliases
	// get the delete rewrite.
	for key := range m.lastSaved {
		if _, ok := byKey[key]; !ok {
			byKey[key] = nil
		}
	}

	affected := map[string]bool{}
	for key, grouped := range byKey {
		periods := lo.Map(grouped, func(r Row, _ int) core.SchedulePeriod { return r.Period })
		if m.lastSaved[key] == keySignature(periods) {
			continue
		}
		for _, alias := range m.aliasesByKey[key] {
			affected[alias] = true
		}
		for _, r := range grouped {
			for _, alias := range r.Aliases {
				affected[alias] = true
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	aliases := lo.Keys(affected)
	sort.Strings(aliases)
	for _, alias := range aliases {
		var periods []core.SchedulePeriod
		for _, r := range parsed {
			if lo.Contains(r.Aliases, alias) {
				periods = append(periods, r.Period)
			}
		}
		if err := m.backend.SetProviderTimeline(ctx, alias, periods); err != nil {
			return fmt.Errorf("timeline: saving periods for %s: %w", alias, err)
		}
	}

	m.rememberSignatures(parsed)
	return nil
}

// ActivatePackageTotal switches a provider to package-total pricing. With
// an existing active or upcoming package period the amounts of exactly
// those periods are rewritten, past periods stay untouched; otherwise a
// net-new package pricing record without an explicit timeline is created.
// Rewriting history retroactively would corrupt past cost attribution, so
// the two paths are deliberate.
func (m *Manager) ActivatePackageTotal(ctx context.Context, provider string, amountUSD *float64, now time.Time) error {
	periods, err := m.backend.GetProviderTimeline(ctx, provider)
	if err != nil {
		return fmt.Errorf("timeline: reading periods for %s: %w", provider, err)
	}

	var current []int
	for i, p := range periods {
		if p.Mode != core.ModePackageTotal {
			continue
		}
		if p.ActiveAt(now) || p.UpcomingAt(now) {
			current = append(current, i)
		}
	}

	if len(current) == 0 {
		if amountUSD == nil {
			return ErrNoAmount
		}
		return m.backend.SetProviderManualPricing(ctx, provider, core.ModePackageTotal, *amountUSD, nil)
	}

	amount := amountUSD
	if amount == nil {
		// Reuse the active period's amount, falling back to the first
		// upcoming one.
		for _, i := range current {
			if periods[i].ActiveAt(now) {
				v := periods[i].AmountUSD
				amount = &v
				break
			}
		}
		if amount == nil {
			v := periods[current[0]].AmountUSD
			amount = &v
		}
	}

	rewritten := append([]core.SchedulePeriod(nil), periods...)
	for _, i := range current {
		rewritten[i].AmountUSD = *amount
	}
	if err := m.backend.SetProviderTimeline(ctx, provider, rewritten); err != nil {
		return fmt.Errorf("timeline: rewriting package periods for %s: %w", provider, err)
	}
	return nil
}
