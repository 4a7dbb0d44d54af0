// Package parse turns free-text strategy descriptions, as they appear in
// trade-monitor exports, into structured legs.
//
// A line looks like:
//
//	Avi    SFRF6 96.50/96.625/96.75 Call Fly    buy to open
//
// with client, description, and action separated by tabs or runs of spaces.
package parse

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/errs"
	"github.com/coachpo/strikewatch/internal/instrument"
	"github.com/coachpo/strikewatch/internal/strategy"
)

// Shape is the recognized strategy structure.
type Shape string

const (
	ShapeFly       Shape = "fly"
	ShapeBrokenFly Shape = "broken_fly"
	ShapeCondor    Shape = "condor"
	ShapeSpread    Shape = "spread"
	ShapeStraddle  Shape = "straddle"
	ShapeStrangle  Shape = "strangle"
	ShapeLadder    Shape = "ladder"
	ShapeOutright  Shape = "outright"
)

// OptionType is call or put.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Leg is one parsed position before it becomes a stored strategy leg.
type Leg struct {
	Ticker   instrument.Ticker
	Side     strategy.Side
	Quantity int
}

// Result is the structured form of one description line.
type Result struct {
	Client string
	Name   string
	Action string
	Shape  Shape
	Option OptionType
	Legs   []Leg
}

var (
	partSeparator  = regexp.MustCompile(`\t+|\s{2,}`)
	vsSeparator    = regexp.MustCompile(`(?i)\s+vs\s+`)
	productPrefix  = regexp.MustCompile(`(?i)^\s*[A-Z0-9]{2,5}\d\s+`)
	slashSequence  = regexp.MustCompile(`\d{2,3}\.?\d{0,5}(?:/\d{1,5}\.?\d{0,5})+`)
	bareStrike     = regexp.MustCompile(`\b\d{2,3}\.?\d{0,5}\b`)
	productExpiry  = regexp.MustCompile(`(?i)\b([A-Z0-9]{2,4})([FGHJKMNQUVXZ]\d)\b`)
	strikesBetween = struct{ lo, hi decimal.Decimal }{decimal.NewFromInt(50), decimal.NewFromInt(200)}
)

// shorthandFractions expands the rounded two-digit decimal notation traders
// write (98.06) into the full exchange strike (98.0625).
var shorthandFractions = map[string]string{
	"06": "0625",
	"12": "125",
	"18": "1875",
	"31": "3125",
	"37": "375",
	"43": "4375",
	"56": "5625",
	"60": "625",
	"62": "625",
	"68": "6875",
	"81": "8125",
	"87": "875",
	"93": "9375",
}

// signTables maps each shape to its per-strike side and quantity, lowest
// strike first.
var signTables = map[Shape][]Leg{
	ShapeFly:       {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideShort, Quantity: 2}, {Side: strategy.SideLong, Quantity: 1}},
	ShapeBrokenFly: {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideShort, Quantity: 2}, {Side: strategy.SideLong, Quantity: 1}},
	ShapeCondor:    {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideShort, Quantity: 1}, {Side: strategy.SideShort, Quantity: 1}, {Side: strategy.SideLong, Quantity: 1}},
	ShapeStraddle:  {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideLong, Quantity: 1}},
	ShapeStrangle:  {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideLong, Quantity: 1}},
	ShapeLadder:    {{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideShort, Quantity: 1}, {Side: strategy.SideShort, Quantity: 1}},
	ShapeOutright:  {{Side: strategy.SideLong, Quantity: 1}},
}

func spreadTable(opt OptionType) []Leg {
	if opt == OptionPut {
		return []Leg{{Side: strategy.SideShort, Quantity: 1}, {Side: strategy.SideLong, Quantity: 1}}
	}
	return []Leg{{Side: strategy.SideLong, Quantity: 1}, {Side: strategy.SideShort, Quantity: 1}}
}

// Parse converts one description line into legs. Lines whose shape cannot be
// determined are rejected rather than guessed at.
func Parse(line string) (*Result, error) {
	client, name, action := separateParts(line)
	if name == "" {
		return nil, errs.New("parse", errs.CodeInvalid, errs.WithMessage("empty strategy description"))
	}

	head, tail := splitVersus(name)

	legs, shape, opt, err := parseSide(head)
	if err != nil {
		return nil, err
	}
	if tail != "" {
		hedge, _, _, err := parseSideWithFallback(tail, head)
		if err != nil {
			return nil, err
		}
		// Everything after "vs" trades against the package.
		for i := range hedge {
			hedge[i].Side = flip(hedge[i].Side)
		}
		legs = append(legs, hedge...)
	}

	return &Result{
		Client: client,
		Name:   name,
		Action: action,
		Shape:  shape,
		Option: opt,
		Legs:   legs,
	}, nil
}

func parseSide(text string) ([]Leg, Shape, OptionType, error) {
	return parseSideWithFallback(text, "")
}

func parseSideWithFallback(text, fallback string) ([]Leg, Shape, OptionType, error) {
	strikes := extractStrikes(text)
	shape, opt, err := detectShape(text, len(strikes))
	if err != nil {
		return nil, "", "", err
	}

	match := productExpiry.FindStringSubmatch(text)
	if match == nil && fallback != "" {
		match = productExpiry.FindStringSubmatch(fallback)
	}
	if match == nil {
		return nil, "", "", errs.New("parse", errs.CodeInvalid, errs.WithMessage("no product and expiry code in "+strings.TrimSpace(text)))
	}

	table := signTables[shape]
	if shape == ShapeSpread {
		table = spreadTable(opt)
	}
	if len(strikes) != len(table) {
		return nil, "", "", errs.New("parse", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("%s needs %d strikes, found %d in %s", shape, len(table), len(strikes), strings.TrimSpace(text))))
	}

	product := strings.ToUpper(match[1])
	expiry := strings.ToUpper(match[2])
	cp := "C"
	if opt == OptionPut {
		cp = "P"
	}

	legs := make([]Leg, len(strikes))
	for i, strike := range strikes {
		raw := fmt.Sprintf("%s%s%s %s Comdty", product, expiry, cp, strikeText(strike))
		ticker, err := instrument.Canonical(raw)
		if err != nil {
			return nil, "", "", err
		}
		legs[i] = Leg{Ticker: ticker, Side: table[i].Side, Quantity: table[i].Quantity}
	}
	return legs, shape, opt, nil
}

func separateParts(line string) (client, name, action string) {
	parts := partSeparator.Split(strings.TrimSpace(line), -1)
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return "", parts[0], ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

func splitVersus(name string) (head, tail string) {
	loc := vsSeparator.FindStringIndex(name)
	if loc == nil {
		return name, ""
	}
	return strings.TrimSpace(name[:loc[0]]), strings.TrimSpace(name[loc[1]:])
}

func detectShape(text string, numStrikes int) (Shape, OptionType, error) {
	lower := strings.ToLower(text)

	opt := OptionCall
	isPut := strings.Contains(lower, "put") || strings.Contains(lower, " p ") || strings.Contains(lower, " ps")
	isCall := strings.Contains(lower, "call") || strings.Contains(lower, " c ") || strings.Contains(lower, " cs")
	if isPut && !isCall {
		opt = OptionPut
	}

	broken := strings.Contains(lower, "broken") || strings.Contains(lower, "brk") || strings.Contains(lower, "bkn")
	switch {
	case strings.Contains(lower, "fly"):
		if broken {
			return ShapeBrokenFly, opt, nil
		}
		return ShapeFly, opt, nil
	case strings.Contains(lower, "condor"):
		return ShapeCondor, opt, nil
	case strings.Contains(lower, "straddle"):
		return ShapeStraddle, opt, nil
	case strings.Contains(lower, "strangle"):
		return ShapeStrangle, opt, nil
	case strings.Contains(lower, "ladder"):
		return ShapeLadder, opt, nil
	case strings.Contains(lower, "spread") || strings.Contains(lower, " cs") || strings.Contains(lower, " ps"):
		return ShapeSpread, opt, nil
	}

	// No structure keyword: the strike count alone can still identify the
	// shape. One strike is only an outright when call or put was explicit.
	switch numStrikes {
	case 1:
		if isPut || isCall {
			return ShapeOutright, opt, nil
		}
	case 2:
		return ShapeSpread, opt, nil
	case 3:
		return ShapeFly, opt, nil
	case 4:
		return ShapeCondor, opt, nil
	}
	return "", "", errs.New("parse", errs.CodeInvalid,
		errs.WithMessage(fmt.Sprintf("cannot determine strategy shape from %q (%d strikes)", strings.TrimSpace(text), numStrikes)))
}

// extractStrikes pulls every strike level out of the description, expanding
// slash sequences and shorthand forms, keeping only plausible rate levels.
func extractStrikes(text string) []decimal.Decimal {
	cleaned := productPrefix.ReplaceAllString(text, "")
	var strikes []decimal.Decimal

	for _, sequence := range slashSequence.FindAllString(cleaned, -1) {
		strikes = append(strikes, expandSequence(sequence)...)
	}
	if len(strikes) == 0 {
		for _, match := range bareStrike.FindAllString(cleaned, -1) {
			if strike, ok := parseStrike(match); ok {
				strikes = append(strikes, strike)
			}
		}
	}

	return dedupeSorted(strikes)
}

func expandSequence(sequence string) []decimal.Decimal {
	parts := strings.Split(sequence, "/")
	first := parts[0]
	var strikes []decimal.Decimal
	appendStrike := func(raw string) {
		if strike, ok := parseStrike(raw); ok {
			strikes = append(strikes, strike)
		}
	}

	switch {
	case strings.Contains(first, "."):
		// 106.4/106.8/107 or shorthand 95.06/12/18
		base := first[:strings.Index(first, ".")]
		appendStrike(first)
		for _, part := range parts[1:] {
			switch {
			case strings.Contains(part, "."):
				appendStrike(part)
			case len(part) <= 2:
				appendStrike(base + "." + part)
			case len(part) == 3:
				appendStrike(part)
			default:
				appendStrike(part[:2] + "." + part[2:])
			}
		}
	case len(first) == 2:
		// 95/95.06/95.18
		appendStrike(first)
		for _, part := range parts[1:] {
			switch {
			case strings.Contains(part, "."):
				appendStrike(part)
			case len(part) <= 2:
				appendStrike(first + "." + part)
			}
		}
	case len(first) == 4:
		// Glued digits: 9712/9737/9750 or mixed 9540/50/60
		allFour := true
		for _, part := range parts {
			if len(part) != 4 {
				allFour = false
				break
			}
		}
		if allFour {
			for _, part := range parts {
				appendStrike(part[:2] + "." + part[2:])
			}
			break
		}
		appendStrike(first[:2] + "." + first[2:])
		for _, part := range parts[1:] {
			if len(part) == 2 {
				appendStrike(first[:2] + "." + part)
			}
		}
	}
	return strikes
}

// parseStrike converts one textual strike, expanding shorthand fractions,
// and rejects values outside the plausible level window.
func parseStrike(raw string) (decimal.Decimal, bool) {
	whole, frac, hasFrac := strings.Cut(raw, ".")
	if hasFrac {
		if full, ok := shorthandFractions[frac]; ok {
			frac = full
		}
		raw = whole + "." + frac
	}
	strike, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if strike.LessThanOrEqual(strikesBetween.lo) || strike.GreaterThanOrEqual(strikesBetween.hi) {
		return decimal.Decimal{}, false
	}
	return strike, true
}

func dedupeSorted(strikes []decimal.Decimal) []decimal.Decimal {
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].LessThan(strikes[j]) })
	out := strikes[:0]
	for i, strike := range strikes {
		if i > 0 && strike.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, strike)
	}
	return out
}

// strikeText renders a strike without trailing zeros so 96.50 and 96.5 name
// the same instrument.
func strikeText(strike decimal.Decimal) string {
	return strconv.FormatFloat(strike.InexactFloat64(), 'f', -1, 64)
}

func flip(side strategy.Side) strategy.Side {
	if side == strategy.SideLong {
		return strategy.SideShort
	}
	return strategy.SideLong
}
