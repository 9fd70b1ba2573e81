// Package partition is the client for the downstream partitioning engine. It
// streams fetched documents to the engine's general endpoint as a multipart
// form, together with the caller's options.
package partition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/pkg/config"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
	"github.com/Vantiq/unstructured-api/pkg/resilience"
)

const (
	generalPath = "/general/v0/general"
	healthPath  = "/healthcheck"
	pingTimeout = 5 * time.Second
)

// Client talks to the partitioning engine. It is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New creates a Client for cfg.URL. m may be nil.
func New(cfg config.PartitionConfig, m *metrics.Metrics) *Client {
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		IsFailure:        engineFailure,
	}
	if m != nil {
		cbCfg.OnStateChange = func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		m.CircuitBreakerState.WithLabelValues("partition").Set(float64(resilience.StateClosed))
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		timeout: cfg.Timeout,
		http:    &http.Client{},
		breaker: resilience.NewCircuitBreaker("partition", cbCfg),
		logger:  slog.Default().With("component", "partition-client"),
	}
}

// Partition sends files and opts to the engine and returns its response
// verbatim. A non-2xx answer is a *ingestion.PartitionError carrying the
// engine's status, content type and body.
func (c *Client) Partition(ctx context.Context, files []ingestion.PartitionFile, opts ingestion.Options) (*ingestion.PartitionResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var result *ingestion.PartitionResult
	err := c.breaker.Execute(func() error {
		var err error
		result, err = c.post(ctx, files, opts)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// engineFailure reports whether err says the engine itself is unhealthy. A
// 4xx answer means the engine rejected this request and is working, and a
// caller that went away says nothing about the engine.
func engineFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ingestion.PartitionError
	if errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 {
		return false
	}
	return true
}

func (c *Client) post(ctx context.Context, files []ingestion.PartitionFile, opts ingestion.Options) (*ingestion.PartitionResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan error, 1)
	go func() {
		err := writeForm(mw, files, opts)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
		written <- err
	}()
	// The writer goroutine reads document bodies owned by the caller's temp
	// scope; it must be finished before this function returns.
	defer func() {
		pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generalPath, pr)
	if err != nil {
		return nil, &ingestion.PartitionError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ingestion.PartitionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ingestion.PartitionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	contentType := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.FromContext(ctx).Warn("partitioning engine rejected request",
			"status", resp.StatusCode,
			"files", len(files),
		)
		return nil, &ingestion.PartitionError{StatusCode: resp.StatusCode, ContentType: contentType, Body: body}
	}
	return &ingestion.PartitionResult{ContentType: contentType, Body: body}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeForm writes one "files" part per document followed by one field per
// option value.
func writeForm(mw *multipart.Writer, files []ingestion.PartitionFile, opts ingestion.Options) error {
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Filename)))
		h.Set("Content-Type", f.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("streaming %s: %w", f.Filename, err)
		}
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		values, err := FormValues(opts[k])
		if err != nil {
			return fmt.Errorf("option %s: %w", k, err)
		}
		for _, v := range values {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// FormValues converts one JSON option into form field values: strings are
// sent as-is, arrays become repeated fields, null is omitted and any other
// value is sent as its JSON text.
func FormValues(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, scalarText(e))
		}
		return out, nil
	default:
		return []string{scalarText(t)}, nil
	}
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Ping checks that the engine answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return resilience.WithTimeout(ctx, pingTimeout, "partition ping", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("partition healthcheck returned HTTP %d", resp.StatusCode)
		}
		return nil
	})
}

// BreakerState exposes the circuit breaker state for readiness reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.GetState()
}
