package fx

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// RefreshDaily tops up the rate table at most once per calendar day. With a
// same-day cache and force false it reuses the cache. On refresh the
// endpoints are tried in order until one yields a usable table; if every
// endpoint fails the previous table is kept and no error is surfaced.
func (s *Store) RefreshDaily(ctx context.Context, force bool) {
	today := s.now().UTC().Format("2006-01-02")

	s.mu.RLock()
	cachedDate := s.table.Date
	s.mu.RUnlock()
	if !force && cachedDate == today {
		return
	}

	for _, endpoint := range s.endpoints {
		rates, err := s.fetchRates(ctx, endpoint)
		if err != nil {
			log.Printf("fx_refresh_endpoint_failed endpoint=%s error=%v", endpoint, err)
			continue
		}

		s.mu.Lock()
		s.table = RateTable{Date: today, Rates: rates}
		s.mu.Unlock()

		if err := s.Save(); err != nil {
			log.Printf("fx_cache_save_failed error=%v", err)
		}
		return
	}

	log.Printf("fx_refresh_degraded keeping_table_from=%s", cachedDate)
}

// fetchRates pulls one endpoint and parses whichever rate-map shape it
// serves. A table without a positive USD rate is rejected.
func (s *Store) fetchRates(ctx context.Context, endpoint string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fx: endpoint status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fx: reading endpoint body: %w", err)
	}
	return parseRateBody(body)
}

func parseRateBody(body []byte) (map[string]float64, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fx: endpoint returned invalid JSON")
	}

	var node gjson.Result
	for _, field := range []string{"rates", "conversion_rates"} {
		if n := gjson.GetBytes(body, field); n.IsObject() {
			node = n
			break
		}
	}
	if !node.IsObject() {
		return nil, fmt.Errorf("fx: endpoint response has no rate table")
	}

	rates := map[string]float64{}
	node.ForEach(func(key, value gjson.Result) bool {
		code := NormalizeCurrencyCode(key.String())
		if v := value.Float(); v > 0 {
			rates[code] = v
		}
		return true
	})

	// Frankfurter omits the base currency from its table.
	if _, ok := rates["USD"]; !ok && strings.Contains(gjson.GetBytes(body, "base").String()+gjson.GetBytes(body, "base_code").String(), "USD") {
		rates["USD"] = 1
	}
	if r, ok := rates["USD"]; !ok || r <= 0 {
		return nil, fmt.Errorf("fx: endpoint table has no positive USD rate")
	}
	return rates, nil
}
