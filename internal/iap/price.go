package iap

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/unicode/norm"
)

// FormatPrice renders a price given in micros as a display string for the
// language tag lang using the currency's symbol and standard precision.
// Backends that only report raw amounts use it to fill Product.Price.
// An unparseable currency falls back to "<amount> <code>".
func FormatPrice(micros int64, code, lang string) string {
	amount := decimal.New(micros, -6)
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return strings.TrimSpace(amount.StringFixed(2) + " " + code)
	}
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	f, _ := amount.Float64()
	p := message.NewPrinter(tag)
	return p.Sprint(currency.Symbol(unit.Amount(f)))
}

// NormalizeSKU trims and NFC-normalizes a sku so that visually identical
// identifiers from different sources map to the same cache key.
func NormalizeSKU(sku string) string {
	return norm.NFC.String(strings.TrimSpace(sku))
}
