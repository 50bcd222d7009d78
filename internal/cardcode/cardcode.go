// Package cardcode converts SUAPS card codes between the decimal form printed
// on student cards and the hexadecimal tag the platform authenticates with.
package cardcode

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"
)

const (
	minLen = 8
	maxLen = 20
)

var (
	allowed  = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
	decimal  = regexp.MustCompile(`^[0-9]+$`)
	hexAlpha = regexp.MustCompile(`[A-Fa-f]`)
)

// ValidationError reports a card code that can never authenticate.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid card code: " + e.Reason
}

// Kind is the detected encoding of a raw card code.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindHex     Kind = "hex"
	KindUnknown Kind = "unknown"
)

func clean(raw string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
}

// Validate checks the cleaned code against the accepted alphabet and length.
func Validate(raw string) error {
	c := clean(raw)
	if c == "" {
		return &ValidationError{Reason: "empty"}
	}
	if !allowed.MatchString(c) {
		return &ValidationError{Reason: "only digits and letters A-F are allowed"}
	}
	if len(c) < minLen || len(c) > maxLen {
		return &ValidationError{Reason: fmt.Sprintf("length must be between %d and %d characters", minLen, maxLen)}
	}
	return nil
}

// Normalize returns the upper-case hexadecimal tag for a raw card code.
// Purely decimal input is converted with arbitrary precision and left-padded
// to an even number of hex digits; input containing A-F is only upper-cased.
func Normalize(raw string) (string, error) {
	if err := Validate(raw); err != nil {
		return "", err
	}
	c := clean(raw)
	if hexAlpha.MatchString(c) {
		return strings.ToUpper(c), nil
	}

	n, ok := new(big.Int).SetString(c, 10)
	if !ok {
		return "", &ValidationError{Reason: "not a decimal number"}
	}
	h := strings.ToUpper(n.Text(16))
	if len(h)%2 != 0 {
		h = "0" + h
	}
	return h, nil
}

// ToDecimal is the inverse of Normalize for decimal-origin codes. The card
// number is a value, so leading zeros are not significant and come back
// stripped: "0012345678" and "12345678" share one tag.
func ToDecimal(hex string) (string, error) {
	c := clean(hex)
	if c == "" || !allowed.MatchString(c) {
		return "", &ValidationError{Reason: "not a hexadecimal value"}
	}
	n, ok := new(big.Int).SetString(c, 16)
	if !ok {
		return "", &ValidationError{Reason: "not a hexadecimal value"}
	}
	return n.Text(10), nil
}

func Detect(raw string) Kind {
	c := clean(raw)
	switch {
	case decimal.MatchString(c):
		return KindNumeric
	case allowed.MatchString(c):
		return KindHex
	default:
		return KindUnknown
	}
}

// Display groups the code in blocks of four characters.
func Display(raw string) string {
	c := clean(raw)
	var b strings.Builder
	for i, r := range c {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Mask keeps the first six characters, for logs.
func Mask(raw string) string {
	c := clean(raw)
	if len(c) <= 6 {
		return c
	}
	return c[:6] + strings.Repeat("*", len(c)-6)
}
