package provider

import (
	"encoding/json"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Lookup evaluates a jsonpath expression on an untyped decoded payload.
// Missing keys, out of range indexes and JSON nulls all report false.
func Lookup(raw any, path string) (any, bool) {
	v, err := jsonpath.Get(path, raw)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// LookupString is Lookup narrowed to a string value.
func LookupString(raw any, path string) string {
	v, ok := Lookup(raw, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// LookupDecimal is Lookup narrowed to a number.
func LookupDecimal(raw any, path string) (decimal.Decimal, bool) {
	v, ok := Lookup(raw, path)
	if !ok {
		return decimal.Decimal{}, false
	}
	return DecimalFrom(v)
}

// LookupSlice is Lookup narrowed to an array.
func LookupSlice(raw any, path string) []any {
	v, ok := Lookup(raw, path)
	if !ok {
		return nil
	}
	s, _ := v.([]any)
	return s
}

// DecimalFrom converts the shapes providers use for numbers: JSON numbers,
// numeric strings and floats. Nulls and non-numeric values report false.
func DecimalFrom(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// Int64From converts a JSON number to an integer, truncating fractions.
func Int64From(v any) (int64, bool) {
	d, ok := DecimalFrom(v)
	if !ok {
		return 0, false
	}
	return d.IntPart(), true
}

// NormalizeCurrency upper-cases a currency tag. Non ISO tags such as USDT
// are kept as given.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if c := money.GetCurrency(code); c != nil {
		return c.Code
	}
	return code
}

// IsISOCurrency reports whether code is a known ISO 4217 currency.
func IsISOCurrency(code string) bool {
	return money.GetCurrency(strings.ToUpper(code)) != nil
}
