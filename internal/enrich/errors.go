package enrich

import (
	"errors"
	"fmt"
)

// Pipeline stages, used to label failures in errors, logs and metrics.
const (
	StageBundleLoad        = "bundle_load"
	StageDocumentLoad      = "document_load"
	StageFeatureDerivation = "feature_derivation"
	StageImputation        = "imputation"
	StageInference         = "inference"
)

// BucketError scopes a stage failure to one transaction bucket.
type BucketError struct {
	Bucket string
	Stage  string
	Err    error
}

func (e *BucketError) Error() string {
	return fmt.Sprintf("bucket %s: %s failed: %v", e.Bucket, e.Stage, e.Err)
}

func (e *BucketError) Unwrap() error { return e.Err }

// BucketErrors extracts every BucketError from err, including those joined
// with errors.Join.
func BucketErrors(err error) []*BucketError {
	if err == nil {
		return nil
	}
	var out []*BucketError
	var walk func(error)
	walk = func(e error) {
		if be, ok := e.(*BucketError); ok {
			out = append(out, be)
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			if inner := u.Unwrap(); inner != nil {
				walk(inner)
			}
		}
	}
	walk(err)
	return out
}

// StageOf returns the stage of the first bucket failure in err, or "" when
// err carries none.
func StageOf(err error) string {
	var be *BucketError
	if errors.As(err, &be) {
		return be.Stage
	}
	return ""
}
