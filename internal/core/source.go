package core

import "strings"

// SourceKind is the closed set of pricing signal kinds the engine understands.
// Backend rows carry free-form pricing_source labels; unknown labels map to
// SourceOther and keep their raw text.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceManualPerRequest
	SourceManualPerRequestTimeline
	SourceManualPackageTotal
	SourceManualPackageTimeline
	SourceManualHistory
	SourceTokenRate
	SourceProviderTokenRate
	SourceProviderBudgetAPI
	SourceGapFillPerRequest
	SourceGapFillTotal
	SourceGapFillDailyAvg
	SourceOther
)

// PricingSource is a parsed pricing_source label. Composite labels like
// "manual_package_timeline+manual_history" keep every component kind.
type PricingSource struct {
	Kinds []SourceKind
	Label string
}

func parseSourceKind(label string) SourceKind {
	switch label {
	case "", "none":
		return SourceNone
	case "manual_per_request":
		return SourceManualPerRequest
	case "manual_per_request_timeline":
		return SourceManualPerRequestTimeline
	case "manual_package_total":
		return SourceManualPackageTotal
	case "manual_package_timeline":
		return SourceManualPackageTimeline
	case "manual_history":
		return SourceManualHistory
	case "token_rate":
		return SourceTokenRate
	case "provider_token_rate":
		return SourceProviderTokenRate
	}
	if strings.HasPrefix(label, "provider_budget_api") {
		return SourceProviderBudgetAPI
	}
	if strings.HasPrefix(label, "gap_fill") {
		switch {
		case strings.Contains(label, "per_request"):
			return SourceGapFillPerRequest
		case strings.Contains(label, "daily"):
			return SourceGapFillDailyAvg
		default:
			return SourceGapFillTotal
		}
	}
	return SourceOther
}

// ParsePricingSource splits a backend label into its component kinds.
// Parsing never fails; anything unrecognized becomes SourceOther.
func ParsePricingSource(label string) PricingSource {
	label = strings.TrimSpace(label)
	src := PricingSource{Label: label}
	if label == "" {
		src.Kinds = []SourceKind{SourceNone}
		return src
	}
	for _, part := range strings.Split(label, "+") {
		src.Kinds = append(src.Kinds, parseSourceKind(strings.TrimSpace(part)))
	}
	return src
}

// Kind returns the dominant component: the highest-precedence kind present.
func (s PricingSource) Kind() SourceKind {
	best := SourceNone
	bestRank := 0
	for _, k := range s.Kinds {
		if r := k.Precedence(); r > bestRank {
			best = k
			bestRank = r
		}
	}
	return best
}

func (s PricingSource) Has(kind SourceKind) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Precedence ranks signal classes, higher wins. Same-class variants share a
// rank; callers must preserve input order among equals.
func (k SourceKind) Precedence() int {
	switch k {
	case SourceManualPerRequest, SourceManualPerRequestTimeline:
		return 4
	case SourceManualPackageTotal, SourceManualPackageTimeline, SourceManualHistory:
		return 3
	case SourceTokenRate, SourceProviderTokenRate, SourceProviderBudgetAPI:
		return 2
	case SourceGapFillPerRequest, SourceGapFillTotal, SourceGapFillDailyAvg:
		return 1
	default:
		return 0
	}
}

// SharedAccount reports whether the kind indicates cost billed against one
// upstream subscription shared across provider aliases.
func (k SourceKind) SharedAccount() bool {
	switch k {
	case SourceManualPackageTotal, SourceManualPackageTimeline,
		SourceTokenRate, SourceProviderTokenRate, SourceProviderBudgetAPI:
		return true
	}
	return false
}

// PerRequestComparable reports whether rows with this kind carry an average
// request cost that is meaningful to compare across providers.
func (k SourceKind) PerRequestComparable() bool {
	switch k {
	case SourceManualPerRequest, SourceManualPerRequestTimeline, SourceGapFillPerRequest:
		return true
	}
	return false
}

// FormatPricingSource maps a pricing_source label to its display category.
// Unknown labels pass through verbatim.
func FormatPricingSource(label string) string {
	src := ParsePricingSource(label)

	scheduled := src.Has(SourceManualPerRequestTimeline) || src.Has(SourceManualPackageTimeline)
	if scheduled && src.Has(SourceManualHistory) {
		return "scheduled + manual"
	}

	switch src.Kind() {
	case SourceNone:
		return "unconfigured"
	case SourceManualPerRequest:
		return "manual"
	case SourceManualPerRequestTimeline, SourceManualPackageTimeline:
		return "scheduled"
	case SourceManualPackageTotal:
		return "manual package total"
	case SourceManualHistory:
		return "history manual"
	case SourceTokenRate, SourceProviderTokenRate, SourceProviderBudgetAPI:
		return "monthly credit"
	case SourceGapFillPerRequest:
		return "gap fill per request"
	case SourceGapFillTotal:
		return "gap fill total"
	case SourceGapFillDailyAvg:
		return "gap fill daily avg"
	default:
		return src.Label
	}
}
