// Package normalize parses free-form multilingual AUM strings ("R$ 2,3 bi",
// "$1.5 million") into canonical numeric values with currency and magnitude
// metadata.
package normalize

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrUnparsable is returned when a raw value contains no usable numeric
// literal, or the literal is negative or non-finite.
var ErrUnparsable = eris.New("normalize: unparsable value")

// Result is the structured outcome of normalizing a raw AUM string.
type Result struct {
	// Currency is the ISO 4217 code, or "" when no currency marker was found.
	Currency string
	// Amount is the numeric literal as written, before magnitude scaling.
	Amount float64
	// Magnitude is the multiplier derived from the magnitude token (1 when
	// none was present).
	Magnitude float64
	// ImplicitMagnitude is true when no magnitude token matched and the
	// multiplier defaulted to 1. Downstream consumers use it to distinguish
	// "stated in raw units" from "stated with an implicit magnitude".
	ImplicitMagnitude bool
	// NormalizedValue is Amount * Magnitude.
	NormalizedValue float64
}

// Canonical renders the result as a canonical string. Normalizing the
// canonical form yields the same result (idempotence).
func (r Result) Canonical() string {
	v := decimal.NewFromFloat(r.NormalizedValue).String()
	if r.Currency == "" {
		return v
	}
	return r.Currency + " " + v
}

// currencyMarkers maps symbols and currency words to ISO codes. Longest
// markers must be checked first so "R$" wins over "$".
var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"R$", "BRL"},
	{"US$", "USD"},
	{"U$", "USD"},
	{"BRL", "BRL"},
	{"USD", "USD"},
	{"EUR", "EUR"},
	{"GBP", "GBP"},
	{"REAIS", "BRL"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
}

// magnitudes is the multilingual magnitude dictionary, keyed by lowercased
// token. Covers English and Portuguese words and their abbreviations.
var magnitudes = map[string]float64{
	"k":        1e3,
	"mil":      1e3,
	"thousand": 1e3,
	"m":        1e6,
	"mm":       1e6,
	"mi":       1e6,
	"milhao":   1e6,
	"milhões":  1e6,
	"milhoes":  1e6,
	"milhão":   1e6,
	"million":  1e6,
	"millions": 1e6,
	"b":        1e9,
	"bn":       1e9,
	"bi":       1e9,
	"bilhao":   1e9,
	"bilhão":   1e9,
	"bilhoes":  1e9,
	"bilhões":  1e9,
	"billion":  1e9,
	"billions": 1e9,
	"t":        1e12,
	"tri":      1e12,
	"trilhao":  1e12,
	"trilhão":  1e12,
	"trilhoes": 1e12,
	"trilhões": 1e12,
	"trillion": 1e12,
}

// Normalize parses a raw AUM string into a Result, or fails with
// ErrUnparsable. The locale of the numeric literal is resolved by heuristic:
// when both "," and "." appear, the rightmost is the decimal separator; a
// lone comma followed by one or two digits is a decimal separator, otherwise
// thousands grouping.
func Normalize(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{}, eris.Wrap(ErrUnparsable, "empty input")
	}

	code, text := stripCurrency(text)

	literal, rest := splitLiteral(text)
	if literal == "" {
		return Result{}, eris.Wrapf(ErrUnparsable, "no numeric literal in %q", raw)
	}

	amount, err := parseLiteral(literal)
	if err != nil {
		return Result{}, eris.Wrapf(ErrUnparsable, "literal %q: %v", literal, err)
	}
	if amount.IsNegative() {
		return Result{}, eris.Wrapf(ErrUnparsable, "negative literal in %q", raw)
	}

	mag, implicit := matchMagnitude(rest)
	value := amount.Mul(decimal.NewFromFloat(mag))

	amountF, _ := amount.Float64()
	valueF, _ := value.Float64()

	return Result{
		Currency:          code,
		Amount:            amountF,
		Magnitude:         mag,
		ImplicitMagnitude: implicit,
		NormalizedValue:   valueF,
	}, nil
}

// stripCurrency removes the first currency marker found and returns its ISO
// code plus the remaining text. Codes are validated against ISO 4217.
func stripCurrency(text string) (string, string) {
	upper := strings.ToUpper(text)
	for _, cm := range currencyMarkers {
		idx := strings.Index(upper, cm.marker)
		if idx < 0 {
			continue
		}
		if _, err := currency.ParseISO(cm.code); err != nil {
			continue
		}
		stripped := text[:idx] + text[idx+len(cm.marker):]
		return cm.code, strings.TrimSpace(stripped)
	}
	return "", text
}

// splitLiteral separates the leading numeric literal (digits, separators and
// an optional sign) from the trailing magnitude text.
func splitLiteral(text string) (literal, rest string) {
	text = strings.TrimSpace(text)
	start := -1
	end := len(text)

	for i, r := range text {
		isNumeric := r >= '0' && r <= '9' || r == '.' || r == ','
		if start < 0 {
			if isNumeric || r == '-' && start < 0 {
				start = i
			}
			continue
		}
		if !isNumeric {
			end = i
			break
		}
	}
	if start < 0 {
		return "", text
	}
	return strings.Trim(text[start:end], ".,"), strings.TrimSpace(text[end:])
}

// parseLiteral resolves decimal/thousands separators and parses the literal.
func parseLiteral(lit string) (decimal.Decimal, error) {
	hasComma := strings.Contains(lit, ",")
	hasDot := strings.Contains(lit, ".")

	switch {
	case hasComma && hasDot:
		// Rightmost separator is the decimal point.
		if strings.LastIndex(lit, ",") > strings.LastIndex(lit, ".") {
			lit = strings.ReplaceAll(lit, ".", "")
			lit = strings.Replace(lit, ",", ".", 1)
		} else {
			lit = strings.ReplaceAll(lit, ",", "")
		}
	case hasComma:
		frac := lit[strings.LastIndex(lit, ",")+1:]
		if len(frac) >= 1 && len(frac) <= 2 && strings.Count(lit, ",") == 1 {
			lit = strings.Replace(lit, ",", ".", 1)
		} else {
			lit = strings.ReplaceAll(lit, ",", "")
		}
	case hasDot:
		// A dot followed by exactly three digits with more than one group is
		// thousands grouping ("123.456.789"); otherwise decimal.
		if strings.Count(lit, ".") > 1 {
			lit = strings.ReplaceAll(lit, ".", "")
		}
	}

	return decimal.NewFromString(lit)
}

// matchMagnitude finds the first magnitude token in the trailing text and
// returns its multiplier. The second return is true when no token matched
// and the multiplier defaulted to 1.
func matchMagnitude(rest string) (float64, bool) {
	for _, tok := range strings.Fields(strings.ToLower(rest)) {
		tok = strings.Trim(tok, ".,;:()")
		if mul, ok := magnitudes[tok]; ok {
			return mul, false
		}
	}
	return 1, true
}

// MustNormalize is a test helper that panics on failure.
func MustNormalize(raw string) Result {
	r, err := Normalize(raw)
	if err != nil {
		panic(fmt.Sprintf("normalize %q: %v", raw, err))
	}
	return r
}
