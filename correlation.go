package sagaflow

import (
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"
)

// CorrelationTag is the struct tag value marking a field as the explicit
// correlation id of a message type: `saga:"correlation"`.
const CorrelationTag = "correlation"

// conventionFieldNames are the fall-back field names probed, in priority
// order, when no field carries the correlation tag.
var conventionFieldNames = [][]string{
	{"SagaID", "SagaId"},
	{"CorrelationID", "CorrelationId"},
}

// fieldAccessor reads one candidate correlation field from a message value.
type fieldAccessor struct {
	index int
	ptr   bool // field is *string rather than string
}

func (a fieldAccessor) read(v reflect.Value) (string, bool) {
	field := v.Field(a.index)
	if a.ptr {
		if field.IsNil() {
			return "", false
		}
		field = field.Elem()
	}
	if s := field.String(); s != "" {
		return s, true
	}
	return "", false
}

// ConventionCorrelator resolves the correlation id of a message by
// convention: a field tagged `saga:"correlation"` wins, then a field named
// SagaID, then CorrelationID. Only non-empty string fields qualify.
//
// The ordered accessor list for each message type is built once and cached,
// so steady-state resolution does not walk struct fields reflectively.
type ConventionCorrelator struct {
	accessors *xsync.MapOf[reflect.Type, []fieldAccessor]
}

// NewConventionCorrelator creates a new ConventionCorrelator.
func NewConventionCorrelator() *ConventionCorrelator {
	return &ConventionCorrelator{
		accessors: xsync.NewMapOf[reflect.Type, []fieldAccessor](),
	}
}

// CorrelationID resolves the correlation id for message. The boolean
// reports whether any candidate field held a non-empty value. A nil
// message is an argument error.
func (c *ConventionCorrelator) CorrelationID(message any) (string, bool, error) {
	if message == nil {
		return "", false, NewArgumentError("message", "must not be nil")
	}

	v := reflect.ValueOf(message)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", false, NewArgumentError("message", "must not be nil")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", false, nil
	}

	accessors, ok := c.accessors.Load(v.Type())
	if !ok {
		accessors = buildAccessors(v.Type())
		c.accessors.Store(v.Type(), accessors)
	}

	for _, accessor := range accessors {
		if id, found := accessor.read(v); found {
			return id, true, nil
		}
	}
	return "", false, nil
}

// buildAccessors computes the ordered candidate field list for a message
// type: tagged fields first, then the conventional names.
func buildAccessors(t reflect.Type) []fieldAccessor {
	var accessors []fieldAccessor
	seen := make(map[int]bool)

	add := func(i int) {
		if seen[i] {
			return
		}
		field := t.Field(i)
		switch {
		case field.Type.Kind() == reflect.String:
			accessors = append(accessors, fieldAccessor{index: i})
		case field.Type.Kind() == reflect.Pointer && field.Type.Elem().Kind() == reflect.String:
			accessors = append(accessors, fieldAccessor{index: i, ptr: true})
		default:
			return
		}
		seen[i] = true
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Tag.Get("saga") == CorrelationTag {
			add(i)
		}
	}

	for _, names := range conventionFieldNames {
		for _, name := range names {
			if field, ok := t.FieldByName(name); ok && len(field.Index) == 1 {
				add(field.Index[0])
			}
		}
	}

	return accessors
}
