// Package instrument provides canonical identity for market-data tickers.
package instrument

import (
	"strings"

	"github.com/coachpo/strikewatch/errs"
)

// Ticker is a canonical instrument identifier. Two textual forms that differ
// only by case, whitespace runs, or a recognized sector-suffix synonym map to
// the same Ticker value.
type Ticker string

// String returns the canonical string form.
func (t Ticker) String() string { return string(t) }

// suffixSynonyms maps lowercase sector-suffix variants to their canonical token.
var suffixSynonyms = map[string]string{
	"comdty": "Comdty",
	"cmdty":  "Comdty",
	"equity": "Equity",
	"eq":     "Equity",
	"index":  "Index",
	"curncy": "Curncy",
	"crncy":  "Curncy",
}

// Canonical normalizes a raw ticker string into its canonical form.
func Canonical(raw string) (Ticker, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", errs.New("instrument", errs.CodeInvalid, errs.WithMessage("ticker required"))
	}

	last := len(fields) - 1
	suffix, hasSuffix := suffixSynonyms[strings.ToLower(fields[last])]

	body := fields
	if hasSuffix {
		body = fields[:last]
	}
	for i, token := range body {
		body[i] = strings.ToUpper(token)
	}
	if hasSuffix {
		if len(body) == 0 {
			return "", errs.New("instrument", errs.CodeInvalid, errs.WithMessage("ticker has suffix but no body"))
		}
		body = append(body, suffix)
	}
	return Ticker(strings.Join(body, " ")), nil
}

// MustCanonical normalizes raw and panics on invalid input. Test helper.
func MustCanonical(raw string) Ticker {
	t, err := Canonical(raw)
	if err != nil {
		panic(err)
	}
	return t
}
