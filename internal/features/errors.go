package features

import "fmt"

// DerivationError reports a transaction field that could not be turned into
// features. It fails the whole batch.
type DerivationError struct {
	Index int
	Field string
	Err   error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("feature derivation: transaction %d field %s: %v", e.Index, e.Field, e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }
