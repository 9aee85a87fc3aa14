// Package parse normalizes raw transaction field text into typed values.
package parse

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
)

// Kind classifies a field parse failure.
type Kind string

const (
	KindInvalidDate   Kind = "invalid_date"
	KindInvalidNumber Kind = "invalid_number"
)

// ParseError is returned when a field cannot be converted.
type ParseError struct {
	Kind  Kind
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + strconv.Quote(e.Value) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + strconv.Quote(e.Value)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Warning is a non-fatal observation made while parsing.
type Warning string

const (
	WarningNone            Warning = ""
	WarningClampedNegative Warning = "clamped_negative"
)

// DateLayouts are tried in order; ISO first. Month and day accept one or
// two digits.
var DateLayouts = []string{
	"2006-1-2",
	"1/2/2006",
	"2/1/2006",
	"2006-1-2 15:04:05",
	"1-2-2006",
	"2-1-2006",
}

var (
	errEmpty     = eris.New("empty value")
	errNullToken = eris.New("null token")
	errNoLayout  = eris.New("no accepted layout matched")
	errNotFinite = eris.New("not a finite number")
)

// IsNullToken reports whether s is a placeholder for a missing value.
func IsNullToken(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none":
		return true
	}
	return false
}

// Date parses value into a calendar date at UTC midnight.
func Date(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, &ParseError{Kind: KindInvalidDate, Value: value, Err: errEmpty}
	}
	switch strings.ToLower(s) {
	case "null", "none", "invalid_date":
		return time.Time{}, &ParseError{Kind: KindInvalidDate, Value: value, Err: errNullToken}
	}

	for _, layout := range DateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, &ParseError{Kind: KindInvalidDate, Value: value, Err: errNoLayout}
}

// Numeric is the outcome of a successful numeric parse. Present is false
// when the source text was empty or a null token.
type Numeric struct {
	Value   float64
	Present bool
	Warning Warning
}

// Number parses a quantity or price. Currency symbols, thousands separators
// and whitespace are stripped first. Negative values are clamped to zero and
// flagged with WarningClampedNegative.
func Number(value string) (Numeric, error) {
	if IsNullToken(value) {
		return Numeric{}, nil
	}

	cleaned := strings.Map(func(r rune) rune {
		if r == ',' || unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, value)
	if cleaned == "" {
		return Numeric{}, &ParseError{Kind: KindInvalidNumber, Value: value, Err: errEmpty}
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return Numeric{}, &ParseError{Kind: KindInvalidNumber, Value: value, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Numeric{}, &ParseError{Kind: KindInvalidNumber, Value: value, Err: errNotFinite}
	}

	if v < 0 {
		return Numeric{Value: 0, Present: true, Warning: WarningClampedNegative}, nil
	}
	if v == 0 {
		// Normalise -0 so composite keys compare equal.
		v = 0
	}
	return Numeric{Value: v, Present: true}, nil
}

// FormatFloat renders v in the shortest form that round-trips.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
