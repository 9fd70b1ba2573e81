package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
)

func request(entries ...ingestion.ReferenceEntry) *ingestion.PartitionURLsRequest {
	return &ingestion.PartitionURLsRequest{URLs: entries}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	req := request(
		ingestion.URLOnly("https://example.com/a.pdf"),
		ingestion.URLWithContext(ingestion.StructuredReference{
			URL:         "http://files.internal:8080/b",
			ContentType: "text/csv; charset=utf-8",
			Headers:     map[string]string{"Authorization": "Bearer abc"},
			Filename:    "b.csv",
		}),
	)
	assert.NoError(t, ValidatePartitionURLsRequest(req, 0))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		req   *ingestion.PartitionURLsRequest
		max   int
		field string
	}{
		{"no urls", request(), 0, "urls"},
		{"too many urls", request(ingestion.URLOnly("https://a.io/1"), ingestion.URLOnly("https://a.io/2")), 1, "urls"},
		{"empty url", request(ingestion.URLOnly("")), 0, "urls[0].url"},
		{"relative url", request(ingestion.URLOnly("/files/a.pdf")), 0, "urls[0].url"},
		{"ftp scheme", request(ingestion.URLOnly("ftp://example.com/a.pdf")), 0, "urls[0].url"},
		{"missing host", request(ingestion.URLOnly("https:///a.pdf")), 0, "urls[0].url"},
		{"bad content type", request(ingestion.URLWithContext(ingestion.StructuredReference{
			URL: "https://example.com/a", ContentType: "not a type",
		})), 0, "urls[0].content_type"},
		{"bad header name", request(ingestion.URLOnly("https://ok.io"), ingestion.URLWithContext(ingestion.StructuredReference{
			URL: "https://example.com/a", Headers: map[string]string{"Bad Header": "x"},
		})), 0, "urls[1].headers"},
		{"header injection", request(ingestion.URLWithContext(ingestion.StructuredReference{
			URL: "https://example.com/a", Headers: map[string]string{"X-Token": "a\r\nHost: evil"},
		})), 0, "urls[0].headers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePartitionURLsRequest(tt.req, tt.max)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestValidationErrorIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "two", "a": "one"}}
	assert.Equal(t, "a:one; b:two", err.Error())
}

func TestValidateLongURL(t *testing.T) {
	long := "https://example.com/" + strings.Repeat("a", maxURLLength)
	err := ValidatePartitionURLsRequest(request(ingestion.URLOnly(long)), 0)
	require.Error(t, err)
}
