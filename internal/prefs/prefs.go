// Package prefs stores per-user display preferences, separate from the
// daemon's operational config.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/janekbaraniewski/costlens/internal/config"
	"github.com/janekbaraniewski/costlens/internal/fx"
)

type Prefs struct {
	// DisplayCurrency is an ISO 4217 code; totals are converted from USD
	// for display only.
	DisplayCurrency string `json:"display_currency"`
	// ProviderOrder pins providers to the top of listings; unlisted
	// providers follow alphabetically.
	ProviderOrder []string `json:"provider_order,omitempty"`
	HistoryDays   int      `json:"history_days"`
}

func DefaultPrefs() Prefs {
	return Prefs{
		DisplayCurrency: "USD",
		HistoryDays:     30,
	}
}

func Path() string {
	return filepath.Join(config.ConfigDir(), "prefs.json")
}

func Load() (Prefs, error) {
	return LoadFrom(Path())
}

func LoadFrom(path string) (Prefs, error) {
	p := DefaultPrefs()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("reading prefs: %w", err)
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return DefaultPrefs(), fmt.Errorf("parsing prefs %s: %w", path, err)
	}

	p.DisplayCurrency = fx.NormalizeCurrencyCode(p.DisplayCurrency)
	if p.HistoryDays <= 0 {
		p.HistoryDays = 30
	}

	return p, nil
}

func Save(p Prefs) error {
	return SaveTo(Path(), p)
}

func SaveTo(path string, p Prefs) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating prefs dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling prefs: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing prefs: %w", err)
	}

	return nil
}
