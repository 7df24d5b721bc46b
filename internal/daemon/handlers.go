package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/janekbaraniewski/costlens/internal/backend"
	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/telemetry"
	"github.com/janekbaraniewski/costlens/internal/version"
)

const APIVersion = 1

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/usage", s.handleUsage)
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/timeline/", s.handleTimeline)
	mux.HandleFunc("/v1/pricing/", s.handlePricing)
	mux.HandleFunc("/v1/gapfill/", s.handleGapFill)
	mux.HandleFunc("/v1/history", s.handleHistoryList)
	mux.HandleFunc("/v1/history/", s.handleHistoryEntry)
	mux.HandleFunc("/v1/fx", s.handleFx)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"daemon_version": strings.TrimSpace(version.Version),
		"api_version":    APIVersion,
	})
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Events []backend.IngestEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode ingest request: %v", err))
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"ingested": 0})
		return
	}

	events := make([]telemetry.UsageEvent, 0, len(req.Events))
	for i, e := range req.Events {
		if strings.TrimSpace(e.Provider) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("event %d: missing provider", i))
			return
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		events = append(events, telemetry.UsageEvent{
			OccurredAt:      e.OccurredAt,
			Provider:        e.Provider,
			APIKeyRef:       e.APIKeyRef,
			Model:           e.Model,
			Origin:          e.Origin,
			SessionID:       e.SessionID,
			Requests:        e.Requests,
			InputTokens:     e.InputTokens,
			OutputTokens:    e.OutputTokens,
			TotalTokens:     e.TotalTokens,
			ReportedCostUSD: e.ReportedCostUSD,
			ReportedSource:  e.ReportedSource,
		})
	}

	s.ingestMu.Lock()
	err := s.store.Ingest(r.Context(), events)
	s.ingestMu.Unlock()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"ingested": len(events)})
	if s.shouldLog("ingest", 3*time.Second) {
		s.infof("ingest", "events=%d duration_ms=%d", len(events), time.Since(started).Milliseconds())
	}
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var q backend.UsageQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode usage query: %v", err))
		return
	}
	stats, err := s.store.GetUsageStatistics(r.Context(), q)
	if err != nil {
		s.warnf("usage_query_error", "error=%v", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := s.store.GetRecentRequests(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]core.RequestRow{"rows": rows})
}

func (s *Service) handleTimeline(w http.ResponseWriter, r *http.Request) {
	provider, ok := pathTail(r.URL.Path, "/v1/timeline/")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing provider")
		return
	}

	switch r.Method {
	case http.MethodGet:
		periods, err := s.store.GetProviderTimeline(r.Context(), provider)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string][]core.SchedulePeriod{"periods": periods})
	case http.MethodPut:
		var req struct {
			Periods []core.SchedulePeriod `json:"periods"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode timeline: %v", err))
			return
		}
		if err := s.store.SetProviderTimeline(r.Context(), provider, req.Periods); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.infof("timeline_write", "provider=%s periods=%d", provider, len(req.Periods))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Service) handlePricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	provider, ok := pathTail(r.URL.Path, "/v1/pricing/")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing provider")
		return
	}

	var req struct {
		Mode             core.PricingMode `json:"mode"`
		AmountUSD        float64          `json:"amount_usd"`
		PackageExpiresAt string           `json:"package_expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode pricing: %v", err))
		return
	}

	var expiresAt *time.Time
	if strings.TrimSpace(req.PackageExpiresAt) != "" {
		parsed, err := time.Parse(time.RFC3339, req.PackageExpiresAt)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid package_expires_at: %v", err))
			return
		}
		expiresAt = &parsed
	}

	if err := s.store.SetProviderManualPricing(r.Context(), provider, req.Mode, req.AmountUSD, expiresAt); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.infof("pricing_write", "provider=%s mode=%s amount_usd=%.6f", provider, req.Mode, req.AmountUSD)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleGapFill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	provider, ok := pathTail(r.URL.Path, "/v1/gapfill/")
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "missing provider")
		return
	}

	var req struct {
		Mode      core.GapFillMode `json:"mode"`
		AmountUSD *float64         `json:"amount_usd,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode gap fill: %v", err))
		return
	}
	if err := s.store.SetProviderGapFill(r.Context(), provider, req.Mode, req.AmountUSD); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.infof("gapfill_write", "provider=%s mode=%s", provider, req.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	days := 30
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	rows, err := s.store.GetSpendHistory(r.Context(), days)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]core.HistoryEntry{"rows": rows})
}

func (s *Service) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tail := strings.Trim(strings.TrimPrefix(strings.TrimSpace(r.URL.Path), "/v1/history/"), "/")
	rawProvider, dayKey, found := strings.Cut(tail, "/")
	if rawProvider == "" {
		writeJSONError(w, http.StatusBadRequest, "missing provider")
		return
	}
	if !found || strings.TrimSpace(dayKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "missing day key")
		return
	}
	provider := rawProvider
	if unescaped, err := url.PathUnescape(rawProvider); err == nil {
		provider = unescaped
	}
	if _, err := time.Parse("2006-01-02", dayKey); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid day key %q", dayKey))
		return
	}

	// Absent fields clear the matching override.
	var req struct {
		TotalUsedUSD *float64 `json:"total_used_usd,omitempty"`
		USDPerReq    *float64 `json:"usd_per_req,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode history entry: %v", err))
		return
	}
	if err := s.store.SetSpendHistoryEntry(r.Context(), provider, dayKey, req.TotalUsedUSD, req.USDPerReq); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.infof("history_write", "provider=%s day=%s", provider, dayKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleFx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.rates.Table())
}

// pathTail extracts and unescapes the path segment after prefix.
func pathTail(path, prefix string) (string, bool) {
	tail := strings.TrimPrefix(strings.TrimSpace(path), prefix)
	tail = strings.Trim(tail, "/")
	if tail == "" {
		return "", false
	}
	unescaped, err := url.PathUnescape(tail)
	if err != nil {
		return tail, true
	}
	return unescaped, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
