package pricing

import (
	"strings"

	"github.com/janekbaraniewski/costlens/internal/core"
	"github.com/janekbaraniewski/costlens/internal/fx"
	"github.com/janekbaraniewski/costlens/internal/parse"
)

// Draft is the in-memory editable pricing configuration for one provider.
// AmountText stays free-form until save time; it is entered in the
// provider's display currency.
type Draft struct {
	Mode       core.PricingMode
	AmountText string
	Currency   string
}

// Signature is a stable encoding of the draft's meaningful fields, used for
// cheap change detection. Two drafts are equal iff their signatures match.
func (d Draft) Signature() string {
	return string(d.Mode) + "|" + strings.TrimSpace(d.AmountText) + "|" + fx.NormalizeCurrencyCode(d.Currency)
}

// AmountUSD parses the draft amount and converts it to canonical USD using
// the given rate store. Nil when the text is empty or not a positive number.
func (d Draft) AmountUSD(rates *fx.Store) *float64 {
	amount := parse.ParseAmount(d.AmountText)
	if amount == nil {
		return nil
	}
	usd := rates.ToUSD(*amount, d.Currency)
	return &usd
}
