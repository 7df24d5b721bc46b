package fx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RateTable holds one calendar day of rates relative to USD.
type RateTable struct {
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// Store caches a daily FX rate table, persisted as JSON. It is injected
// into callers; nothing in this package keeps a package-level singleton.
type Store struct {
	path      string
	endpoints []string

	mu    sync.RWMutex
	table RateTable

	client *http.Client
	now    func() time.Time
}

// DefaultEndpoints is the ordered list of public rate sources tried on
// refresh. Each serves a JSON body with a rates map keyed by currency code.
var DefaultEndpoints = []string{
	"https://open.er-api.com/v6/latest/USD",
	"https://api.frankfurter.app/latest?from=USD",
	"https://api.exchangerate-api.com/v4/latest/USD",
}

func NewStore(path string, endpoints []string) *Store {
	if len(endpoints) == 0 {
		endpoints = DefaultEndpoints
	}
	return &Store{
		path:      path,
		endpoints: endpoints,
		table:     RateTable{Rates: map[string]float64{"USD": 1}},
		client:    &http.Client{Timeout: 6 * time.Second},
		now:       time.Now,
	}
}

// Load hydrates the store from its cache file. A missing file is not an
// error; the store keeps its USD-only default.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fx: reading rate cache: %w", err)
	}

	var table RateTable
	if err := json.Unmarshal(data, &table); err != nil {
		// Malformed cache degrades to defaults, never surfaces.
		return nil
	}
	if table.Rates == nil {
		table.Rates = map[string]float64{}
	}
	table.Rates["USD"] = 1

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	return nil
}

// Save writes the current table to the cache file.
func (s *Store) Save() error {
	s.mu.RLock()
	table := s.table
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fx: creating cache dir: %w", err)
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("fx: marshaling rate cache: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("fx: writing rate cache: %w", err)
	}
	return nil
}

// Table returns a copy of the current rate table.
func (s *Store) Table() RateTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := RateTable{Date: s.table.Date, Rates: make(map[string]float64, len(s.table.Rates))}
	for k, v := range s.table.Rates {
		out.Rates[k] = v
	}
	return out
}

// NormalizeCurrencyCode uppercases, maps the legacy RMB alias, and falls
// back to USD for anything that is not three letters.
func NormalizeCurrencyCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "RMB" {
		return "CNY"
	}
	if len(code) != 3 {
		return "USD"
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "USD"
		}
	}
	return code
}

// Rate returns the cached rate for a currency relative to USD. Unknown
// currencies degrade to 1 so conversion stays available.
func (s *Store) Rate(code string) float64 {
	code = NormalizeCurrencyCode(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.table.Rates[code]; ok && r > 0 {
		return r
	}
	return 1
}

// ToDisplay converts a canonical USD amount into the display currency.
func (s *Store) ToDisplay(usdAmount float64, currency string) float64 {
	return usdAmount * s.Rate(currency)
}

// ToUSD converts a display-currency amount back to canonical USD.
func (s *Store) ToUSD(amount float64, currency string) float64 {
	return amount / s.Rate(currency)
}
