package sagaflow

import (
	"fmt"
	"strings"
)

// MultiPropertyOptions controls how a MultiPropertyCorrelator combines
// the selected properties.
type MultiPropertyOptions struct {
	// UseCompositeKey joins every selected value with "|". When false,
	// only the first selector's value is used.
	UseCompositeKey bool
	// RequireAllProperties makes resolution fail when any selected value
	// is absent. When false, missing values stringify to empty.
	RequireAllProperties bool
}

// DefaultMultiPropertyOptions returns the default correlation options:
// composite keys with all properties required.
func DefaultMultiPropertyOptions() MultiPropertyOptions {
	return MultiPropertyOptions{
		UseCompositeKey:      true,
		RequireAllProperties: true,
	}
}

// Selector names one property of a message and how to read it.
type Selector[T any] struct {
	Name string
	Get  func(T) string
}

// MultiPropertyCorrelator produces a correlation key from several message
// properties, for message types where a single property is an ambiguous
// correlation key.
type MultiPropertyCorrelator[T any] struct {
	selectors []Selector[T]
	opts      MultiPropertyOptions
}

// NewMultiPropertyCorrelator creates a correlator over an ordered selector
// list. At least one selector is required.
func NewMultiPropertyCorrelator[T any](selectors []Selector[T], opts MultiPropertyOptions) (*MultiPropertyCorrelator[T], error) {
	if len(selectors) == 0 {
		return nil, NewArgumentError("selectors", "at least one selector is required")
	}
	for i, selector := range selectors {
		if selector.Get == nil {
			return nil, NewArgumentError("selectors", fmt.Sprintf("selector %d has no Get func", i))
		}
	}

	return &MultiPropertyCorrelator[T]{
		selectors: append([]Selector[T](nil), selectors...),
		opts:      opts,
	}, nil
}

// CorrelationID resolves the correlation key for message.
//
// In composite mode the selected values are joined with "|" in selector
// order; otherwise only the first selector's value is returned.
func (c *MultiPropertyCorrelator[T]) CorrelationID(message T) (string, error) {
	selectors := c.selectors
	if !c.opts.UseCompositeKey {
		selectors = selectors[:1]
	}

	values := make([]string, 0, len(selectors))
	var missing []string
	for _, selector := range selectors {
		value := selector.Get(message)
		if value == "" {
			missing = append(missing, selector.Name)
		}
		values = append(values, value)
	}

	if c.opts.RequireAllProperties && len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingProperty, strings.Join(missing, ", "))
	}
	return strings.Join(values, "|"), nil
}
