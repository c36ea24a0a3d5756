// Package utils provides stream identifier parsing and validation.
//
// Streams are named with SEED codes joined by dots: NET.STA.LOC.CHA, for
// example "WI.CBE..HHZ". The location code may be empty; the three-part form
// NET.STA.CHA is accepted as shorthand for an empty location.
package utils

import (
	"errors"
	"fmt"
	"strings"

	"quakeview/internal/model"

	"github.com/go-playground/validator/v10"
)

// Error definitions for validation functions
var (
	ErrNoSelectors       = errors.New("zero streams requested")
	ErrTooManySelectors  = errors.New("too many streams requested")
	ErrInvalidSelector   = errors.New("invalid stream selector")
	ErrDuplicateSelector = errors.New("stream requested twice")
)

var validate = validator.New()

// ParseSelector parses "NET.STA.LOC.CHA" or "NET.STA.CHA" into a validated
// selector. Codes are upper-cased; a location of "--" means empty.
func ParseSelector(s string) (model.ChannelSelector, error) {
	if s == "" {
		return model.ChannelSelector{}, fmt.Errorf("%w: selector cannot be empty", ErrInvalidSelector)
	}

	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), ".")
	var sel model.ChannelSelector
	switch len(parts) {
	case 3:
		sel = model.ChannelSelector{Network: parts[0], Station: parts[1], Channel: parts[2]}
	case 4:
		sel = model.ChannelSelector{Network: parts[0], Station: parts[1], Location: parts[2], Channel: parts[3]}
	default:
		return model.ChannelSelector{}, fmt.Errorf("%w: expected NET.STA.LOC.CHA, got %q", ErrInvalidSelector, s)
	}

	if sel.Location == "--" {
		sel.Location = ""
	}

	if err := ValidateSelector(sel); err != nil {
		return model.ChannelSelector{}, err
	}
	return sel, nil
}

// ValidateSelector checks the SEED code lengths: network 1-2, station 1-5,
// location 0-2 and channel exactly 3 alphanumeric characters.
func ValidateSelector(sel model.ChannelSelector) error {
	if err := validate.Struct(sel); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s: %s code %q fails %q", ErrInvalidSelector, sel, strings.ToLower(fe.Field()), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidSelector, sel, err)
	}
	return nil
}

// ValidateSelectors validates a list of selectors and enforces a maximum.
func ValidateSelectors(selectors []model.ChannelSelector, maxAllowed int) error {
	if len(selectors) == 0 {
		return ErrNoSelectors
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d", ErrTooManySelectors, maxAllowed)
	}

	if len(selectors) > maxAllowed {
		return fmt.Errorf("%w: requested %d streams, maximum allowed %d",
			ErrTooManySelectors, len(selectors), maxAllowed)
	}

	seen := make(map[model.ChannelSelector]int, len(selectors))
	for i, sel := range selectors {
		if err := ValidateSelector(sel); err != nil {
			return fmt.Errorf("stream at index %d: %w", i, err)
		}
		if j, ok := seen[sel]; ok {
			return fmt.Errorf("%w: %s at index %d and %d", ErrDuplicateSelector, sel, j, i)
		}
		seen[sel] = i
	}

	return nil
}
