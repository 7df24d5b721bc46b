package anomaly

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/janekbaraniewski/costlens/internal/core"
)

const (
	// Volume spikes need at least this many non-zero buckets to be
	// statistically meaningful.
	minSpikeBuckets = 4
	spikeRatio      = 5.0

	// Price outliers must clear both a relative and an absolute bar to
	// suppress noise near zero.
	outlierRatio       = 2.0
	outlierAbsoluteUSD = 0.05
	minOutlierRequests = 3
)

type Kind string

const (
	KindVolumeSpike  Kind = "volume_spike"
	KindPriceOutlier Kind = "price_outlier"
)

// Finding is one detected anomaly.
type Finding struct {
	Kind    Kind
	Message string

	// Set for price outliers.
	Provider  string
	APIKeyRef string
}

// Report is the result of one scan over the current window.
type Report struct {
	Findings []Finding
	// Highlighted marks outlier rows by "provider|api_key_ref".
	Highlighted map[string]bool
	// Messages carries display strings, deduplicated by exact text with an
	// occurrence counter so each instance stays individually dismissible.
	Messages []string
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// DetectVolumeSpike flags a timeline whose per-provider peak is at least
// five times the per-provider median. Nil when volume looks normal or the
// series is too short.
func DetectVolumeSpike(buckets []core.TimelineBucket, providerCount int) *Finding {
	if providerCount <= 0 {
		providerCount = 1
	}
	nonZero := lo.Filter(buckets, func(b core.TimelineBucket, _ int) bool {
		return b.Requests > 0
	})
	if len(nonZero) < minSpikeBuckets {
		return nil
	}

	requests := lo.Map(nonZero, func(b core.TimelineBucket, _ int) float64 {
		return b.Requests
	})
	perProviderMedian := median(requests) / float64(providerCount)
	if perProviderMedian <= 0 {
		return nil
	}

	peak := nonZero[0]
	for _, b := range nonZero[1:] {
		if b.Requests > peak.Requests {
			peak = b
		}
	}
	perProviderPeak := peak.Requests / float64(providerCount)
	if perProviderPeak < spikeRatio*perProviderMedian {
		return nil
	}

	return &Finding{
		Kind: KindVolumeSpike,
		Message: fmt.Sprintf("request volume spike at %s: %.0f requests vs median %.1f per provider",
			peak.Label, perProviderPeak, perProviderMedian),
	}
}

// DetectPriceOutliers flags rows whose average request cost is at least
// twice the median AND at least $0.05 above it, over per-request-comparable
// rows with enough volume.
func DetectPriceOutliers(rows []core.UsageRow) []Finding {
	comparable := lo.Filter(rows, func(row core.UsageRow, _ int) bool {
		return row.Source().Kind().PerRequestComparable() &&
			row.Requests >= minOutlierRequests &&
			row.EstimatedAvgRequestCostUSD != nil
	})
	if len(comparable) == 0 {
		return nil
	}

	med := median(lo.Map(comparable, func(row core.UsageRow, _ int) float64 {
		return *row.EstimatedAvgRequestCostUSD
	}))

	var findings []Finding
	for _, row := range comparable {
		value := *row.EstimatedAvgRequestCostUSD
		if value >= outlierRatio*med && value-med >= outlierAbsoluteUSD {
			findings = append(findings, Finding{
				Kind:      KindPriceOutlier,
				Provider:  row.Provider,
				APIKeyRef: row.APIKeyRef,
				Message: fmt.Sprintf("%s: average request cost $%.4f is far above the $%.4f median",
					row.Provider, value, med),
			})
		}
	}
	return findings
}

// DedupMessages keeps exact-duplicate messages distinct by appending an
// occurrence counter from the second instance on.
func DedupMessages(messages []string) []string {
	seen := map[string]int{}
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		seen[msg]++
		if n := seen[msg]; n > 1 {
			out = append(out, fmt.Sprintf("%s (%d)", msg, n))
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Scan runs both detectors over the current filtered window.
func Scan(summary core.UsageSummary, providerCount int) Report {
	report := Report{Highlighted: map[string]bool{}}

	if spike := DetectVolumeSpike(summary.Timeline, providerCount); spike != nil {
		report.Findings = append(report.Findings, *spike)
	}
	for _, finding := range DetectPriceOutliers(summary.ByProvider) {
		report.Findings = append(report.Findings, finding)
		report.Highlighted[finding.Provider+"|"+finding.APIKeyRef] = true
	}

	report.Messages = DedupMessages(lo.Map(report.Findings, func(f Finding, _ int) string {
		return f.Message
	}))
	return report
}
