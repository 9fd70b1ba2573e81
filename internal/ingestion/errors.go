package ingestion

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
)

// ReferenceError reports a malformed reference entry. Index is the entry's
// position in the request, or -1 when the request itself is malformed.
type ReferenceError struct {
	Index  int
	Reason string
}

func (e *ReferenceError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid reference at index %d: %s", e.Index, e.Reason)
}

func (e *ReferenceError) Unwrap() error {
	return apperrors.ErrInvalidReference
}

// FetchError reports a failed retrieval of URL. StatusCode is zero for
// transport-level failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrFetchFailed}
	}
	return []error{apperrors.ErrFetchFailed, e.Err}
}

// PartitionError is returned by the partitioning engine. It is relayed to the
// caller with the engine's own status and body.
type PartitionError struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Err         error
}

func (e *PartitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("partitioning failed: %v", e.Err)
	}
	return fmt.Sprintf("partitioning failed: HTTP %d: %s", e.StatusCode, truncate(e.Body, 256))
}

func (e *PartitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrPartitionFailed}
	}
	return []error{apperrors.ErrPartitionFailed, e.Err}
}

// StatusOf maps the outcome of a run to its recorded status.
func StatusOf(err error) string {
	var (
		refErr  *ReferenceError
		fetErr  *FetchError
		partErr *PartitionError
	)
	switch {
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, apperrors.ErrInvalidInput), errors.As(err, &refErr):
		return StatusInvalid
	case errors.As(err, &fetErr):
		return StatusFetchFailed
	case errors.As(err, &partErr):
		return StatusPartitionFailed
	default:
		return StatusFailed
	}
}
