package catalog

import (
	"strings"

	"github.com/shopspring/decimal"
)

var currencySymbols = map[string]string{
	"INR": "₹",
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

// FormatPrice renders minor units as a major-unit amount with two decimals,
// e.g. FormatPrice(900, "INR") == "₹9.00".
func FormatPrice(minor int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}
	amount := decimal.New(minor, -2).StringFixed(2)
	if symbol, ok := currencySymbols[currency]; ok {
		return symbol + amount
	}
	return currency + " " + amount
}
