// Package ingestion defines the request, document and event types shared by
// the URL ingestion pipeline, and resolves caller references into a single
// canonical DocumentReference shape.
package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Vantiq/unstructured-api/internal/ingestion/spool"
)

// PartitionURLsRequest is the JSON body accepted by the URL partition
// endpoint. Every top-level key other than "urls" belongs to Options and is
// passed to the partitioning engine untouched.
type PartitionURLsRequest struct {
	URLs    []ReferenceEntry
	Options Options
}

// Options is the opaque partitioning options bag.
type Options map[string]json.RawMessage

func (r *PartitionURLsRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	urls, ok := raw["urls"]
	if !ok {
		return &ReferenceError{Index: -1, Reason: "urls is required"}
	}
	if err := json.Unmarshal(urls, &r.URLs); err != nil {
		return err
	}
	delete(raw, "urls")
	r.Options = Options(raw)
	return nil
}

func (r PartitionURLsRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Options)+1)
	for k, v := range r.Options {
		out[k] = v
	}
	urls := r.URLs
	if urls == nil {
		urls = []ReferenceEntry{}
	}
	out["urls"] = urls
	return json.Marshal(out)
}

// ReferenceEntry is either a bare URL string or a URL with context. The zero
// value is invalid.
type ReferenceEntry struct {
	bare       string
	structured *StructuredReference
}

// StructuredReference is the object form of a reference entry.
type StructuredReference struct {
	URL         string            `json:"url"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Filename    string            `json:"filename,omitempty"`
}

// URLOnly builds a bare-URL entry.
func URLOnly(url string) ReferenceEntry {
	return ReferenceEntry{bare: url}
}

// URLWithContext builds a structured entry.
func URLWithContext(ref StructuredReference) ReferenceEntry {
	return ReferenceEntry{structured: &ref}
}

// URL returns the entry's URL regardless of its form.
func (e ReferenceEntry) URL() string {
	if e.structured != nil {
		return e.structured.URL
	}
	return e.bare
}

// Structured reports whether the entry carries context.
func (e ReferenceEntry) Structured() bool {
	return e.structured != nil
}

func (e *ReferenceEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty reference entry")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = URLOnly(s)
		return nil
	case '{':
		var ref StructuredReference
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ref); err != nil {
			return fmt.Errorf("decoding structured reference: %w", err)
		}
		*e = URLWithContext(ref)
		return nil
	default:
		return fmt.Errorf("reference entry must be a string or an object, got %s", truncate(data, 32))
	}
}

func (e ReferenceEntry) MarshalJSON() ([]byte, error) {
	if e.structured != nil {
		return json.Marshal(e.structured)
	}
	return json.Marshal(e.bare)
}

// DocumentReference is the canonical, resolved form of a reference entry.
type DocumentReference struct {
	URL         string
	ContentType string
	Headers     map[string]string
	Filename    string
}

// FetchedDocument is one retrieved document. Body is positioned at offset zero
// when handed downstream and is owned by the scope that created it.
type FetchedDocument struct {
	URL      string
	Filename string
	// ContentType is the resolved MIME type; before type resolution it holds
	// the caller's explicit content type, if any.
	ContentType string
	// DeclaredType is the server's Content-Type header, used as a weak hint.
	DeclaredType string
	// Encoding is the text encoding hint for content sniffing.
	Encoding string
	Body     *spool.Buffer
	Size     int64
}

// PartitionFile is one document handed to the partitioning engine.
type PartitionFile struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// PartitionResult is the partitioning engine's response, relayed verbatim.
type PartitionResult struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Run statuses recorded for each ingestion.
const (
	StatusSucceeded       = "SUCCEEDED"
	StatusFetchFailed     = "FETCH_FAILED"
	StatusInvalid         = "INVALID"
	StatusPartitionFailed = "PARTITION_FAILED"
	StatusFailed          = "FAILED"
)

// DocumentRecord describes one fetched document of a run.
type DocumentRecord struct {
	Position    int    `json:"position"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	TypeSource  string `json:"type_source"`
	Size        int64  `json:"size"`
	Spilled     bool   `json:"spilled"`
}

// RunRecord is the audit record of one ingestion request.
type RunRecord struct {
	RequestID  string           `json:"request_id"`
	Status     string           `json:"status"`
	Error      string           `json:"error,omitempty"`
	FailedURL  string           `json:"failed_url,omitempty"`
	URLCount   int              `json:"url_count"`
	Documents  []DocumentRecord `json:"documents"`
	TotalBytes int64            `json:"total_bytes"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

// IngestEvent is the Kafka message payload produced after every ingestion.
type IngestEvent struct {
	RequestID   string           `json:"request_id"`
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	FailedURL   string           `json:"failed_url,omitempty"`
	Documents   []DocumentRecord `json:"documents"`
	TotalBytes  int64            `json:"total_bytes"`
	DurationMs  int64            `json:"duration_ms"`
	CompletedAt time.Time        `json:"completed_at"`
}

// PartitionJob is the Kafka message consumed by the asynchronous worker.
type PartitionJob struct {
	RequestID string               `json:"request_id"`
	Request   PartitionURLsRequest `json:"request"`
}

// PartitionOutcome is published by the worker once a job finishes. Result
// carries JSON partition output; Text carries any other format.
type PartitionOutcome struct {
	RequestID   string          `json:"request_id"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Text        string          `json:"text,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
