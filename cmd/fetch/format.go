package main

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const maxFraction = 8

// formatPrice renders an amount with the currency's symbol and separators.
// Tags that are not ISO 4217 codes fall back to "amount TAG". Prices finer
// than the currency's minor unit keep their digits, up to maxFraction.
func formatPrice(d decimal.Decimal, code string) string {
	c := money.GetCurrency(code)
	if c == nil {
		return d.String() + " " + code
	}
	fraction := c.Fraction
	if exp := -int(d.Exponent()); exp > fraction {
		fraction = min(exp, maxFraction)
	}
	minor := d.Shift(int32(fraction)).Round(0).IntPart()
	return money.NewFormatter(fraction, c.Decimal, c.Thousand, c.Grapheme, c.Template).Format(minor)
}
