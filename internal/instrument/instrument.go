// Package instrument handles perpetual instrument identifier parsing and
// validation.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// idRegex matches: {INDEX}-{QUOTE}
// Example: ETH-USD, WBTC-USDC
var idRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z]{3,5})$`)

var ErrInvalidInstrument = errors.New("instrument: invalid identifier")

// Instrument is a parsed perpetual instrument. Index is the asset whose price
// the position tracks; Quote is the settlement unit of size and collateral.
type Instrument struct {
	ID    string `json:"id"`
	Index string `json:"index"`
	Quote string `json:"quote"`
}

// Parse validates and normalizes an instrument identifier. Lower-case input
// is accepted and upper-cased.
func Parse(id string) (*Instrument, error) {
	norm := strings.ToUpper(strings.TrimSpace(id))
	matches := idRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {INDEX}-{QUOTE}, e.g. ETH-USD)", ErrInvalidInstrument, id)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %q quotes itself", ErrInvalidInstrument, id)
	}
	return &Instrument{ID: norm, Index: matches[1], Quote: matches[2]}, nil
}

// Normalize returns the canonical identifier or an error.
func Normalize(id string) (string, error) {
	inst, err := Parse(id)
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}

// IndexOf returns the index asset of a valid identifier, or the identifier
// itself if it does not parse.
func IndexOf(id string) string {
	inst, err := Parse(id)
	if err != nil {
		return id
	}
	return inst.Index
}
