// Package validator checks URL partition requests before any network
// activity and reports every problem found, keyed by field path.
package validator

import (
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
)

// DefaultMaxURLs bounds the number of references in one request.
const DefaultMaxURLs = 100

const maxURLLength = 8192

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// ValidatePartitionURLsRequest checks the reference list of req. maxURLs <= 0
// selects DefaultMaxURLs.
func ValidatePartitionURLsRequest(req *ingestion.PartitionURLsRequest, maxURLs int) error {
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}
	errs := make(map[string]string)

	switch {
	case len(req.URLs) == 0:
		errs["urls"] = "at least one url is required"
	case len(req.URLs) > maxURLs:
		errs["urls"] = fmt.Sprintf("at most %d urls are allowed", maxURLs)
	}

	for i, entry := range req.URLs {
		field := fmt.Sprintf("urls[%d]", i)
		if msg := checkURL(entry.URL()); msg != "" {
			errs[field+".url"] = msg
		}
		ref := ingestion.Resolve(entry)
		if ref.ContentType != "" {
			if _, _, err := mime.ParseMediaType(ref.ContentType); err != nil {
				errs[field+".content_type"] = "content_type must be a valid media type"
			}
		}
		for name, value := range ref.Headers {
			if !httpguts.ValidHeaderFieldName(name) {
				errs[field+".headers"] = fmt.Sprintf("invalid header name %q", name)
				break
			}
			if !httpguts.ValidHeaderFieldValue(value) {
				errs[field+".headers"] = fmt.Sprintf("invalid value for header %q", name)
				break
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func checkURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "url is required"
	}
	if len(raw) > maxURLLength {
		return fmt.Sprintf("url must be at most %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "url is not parseable"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "url scheme must be http or https"
	}
	if u.Host == "" {
		return "url must include a host"
	}
	return ""
}
