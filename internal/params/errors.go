package params

import "fmt"

// InvalidParameterError is returned by Build when an input cannot be
// resolved to a valid value.
type InvalidParameterError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Field, e.Reason)
}

func (e *InvalidParameterError) Unwrap() error {
	return e.Err
}
