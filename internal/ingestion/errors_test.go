package ingestion

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
)

func TestFetchErrorNamesURL(t *testing.T) {
	err := &FetchError{URL: "https://a.io/x.pdf", StatusCode: http.StatusNotFound}
	assert.Equal(t, "fetching https://a.io/x.pdf: HTTP 404 Not Found", err.Error())
	assert.ErrorIs(t, err, apperrors.ErrFetchFailed)
	assert.Equal(t, http.StatusBadGateway, apperrors.HTTPStatusCode(err))

	cause := errors.New("connection refused")
	wrapped := &FetchError{URL: "https://a.io/y", Err: cause}
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "https://a.io/y")
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusSucceeded},
		{&ReferenceError{Index: 0, Reason: "url is required"}, StatusInvalid},
		{fmt.Errorf("validating: %w", apperrors.ErrInvalidInput), StatusInvalid},
		{fmt.Errorf("batch: %w", &FetchError{URL: "u", StatusCode: 500}), StatusFetchFailed},
		{&PartitionError{StatusCode: 422}, StatusPartitionFailed},
		{errors.New("disk full"), StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), "%v", tt.err)
	}
}
