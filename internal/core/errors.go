package core

import "fmt"

// ValidationError reports a semantic value outside its allowed range. The
// State is left untouched when one is returned.
type ValidationError struct {
	Field string
	Min   int
	Max   int
	Value int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s should be an integer between %d and %d. got %d.", e.Field, e.Min, e.Max, e.Value)
}

func validate(field string, value, max int) error {
	if value < 0 || value > max {
		return &ValidationError{Field: field, Min: 0, Max: max, Value: value}
	}
	return nil
}
