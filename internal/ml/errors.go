package ml

import (
	"fmt"
	"strings"
)

// BundleLoadError means the model bundle is missing, unreadable or
// incomplete. It is fatal at startup.
type BundleLoadError struct {
	Source string
	Err    error
}

func (e *BundleLoadError) Error() string {
	return fmt.Sprintf("bundle load %s: %v", e.Source, e.Err)
}

func (e *BundleLoadError) Unwrap() error { return e.Err }

// ImputationError means a feature table does not match the fitted imputer.
type ImputationError struct {
	Expected []string
	Got      []string
}

func (e *ImputationError) Error() string {
	return fmt.Sprintf("imputation: table columns [%s] do not match fitted columns [%s]",
		strings.Join(e.Got, ","), strings.Join(e.Expected, ","))
}

// InferenceError means the classifier could not score its input.
type InferenceError struct {
	Row    int // -1 when the whole table is rejected
	Reason string
}

func (e *InferenceError) Error() string {
	if e.Row < 0 {
		return "inference: " + e.Reason
	}
	return fmt.Sprintf("inference: row %d: %s", e.Row, e.Reason)
}
