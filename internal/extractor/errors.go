package extractor

import (
	"errors"
	"fmt"
)

// FailureKind classifies an extraction failure for the audit trail and the
// retry path.
type FailureKind string

const (
	KindNoContent         FailureKind = "no_content"
	KindUnreachable       FailureKind = "unreachable"
	KindUnsupportedFormat FailureKind = "unsupported_format"
	KindTimeout           FailureKind = "timeout"
)

// ExtractionError is the typed failure of a content extraction attempt.
type ExtractionError struct {
	Kind FailureKind
	URL  string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s) for %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s) for %s", e.Kind, e.URL)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

func newError(kind FailureKind, url string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, URL: url, Err: err}
}

// AsExtractionError unwraps err into an *ExtractionError if one is in the
// chain.
func AsExtractionError(err error) (*ExtractionError, bool) {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
