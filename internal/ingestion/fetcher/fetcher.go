// Package fetcher retrieves remote documents into spooled buffers. Bodies are
// streamed in fixed-size chunks so that large documents spill to the
// request's temp scope instead of being held in memory.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/spool"
	"github.com/Vantiq/unstructured-api/pkg/config"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
	"github.com/Vantiq/unstructured-api/pkg/resilience"
)

// ErrDocumentTooLarge is wrapped by the FetchError returned when a body
// exceeds Config.MaxDocumentSize.
var ErrDocumentTooLarge = errors.New("document exceeds size limit")

// DefaultEncoding is the text encoding hint used when the response names none.
const DefaultEncoding = "utf-8"

// Config controls a Fetcher.
type Config struct {
	ChunkSize      int
	SpillThreshold int64
	// MaxDocumentSize caps a single body; zero means unlimited.
	MaxDocumentSize int64
	Timeout         time.Duration
	Attempts        int
	MaxRedirects    int
	UserAgent       string
}

// ConfigFrom derives a fetcher Config from the ingestion settings.
func ConfigFrom(c config.IngestionConfig) Config {
	return Config{
		ChunkSize:       c.ChunkSize,
		SpillThreshold:  c.SpillThreshold,
		MaxDocumentSize: c.MaxDocumentSize,
		Timeout:         c.FetchTimeout,
		Attempts:        c.FetchAttempts,
		MaxRedirects:    c.MaxRedirects,
		UserAgent:       c.UserAgent,
	}
}

// Fetcher performs streaming GETs into spool buffers. It is safe for
// concurrent use; all per-request state lives in the scope passed to Fetch.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Fetcher. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = spool.DefaultChunkSize
	}
	if cfg.SpillThreshold < 0 {
		cfg.SpillThreshold = spool.DefaultSpillThreshold
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	return &Fetcher{
		client:  newHTTPClient(cfg),
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "fetcher"),
	}
}

func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("too many redirects (max %d)", cfg.MaxRedirects)
			}
			return nil
		},
	}
}

// Fetch retrieves ref into a buffer created in scope. The returned document's
// body is rewound to offset zero. Any failure is a *ingestion.FetchError
// naming ref.URL, and no buffer is left open in scope.
func (f *Fetcher) Fetch(ctx context.Context, ref ingestion.DocumentReference, scope *spool.Scope) (*ingestion.FetchedDocument, error) {
	start := time.Now()
	var doc *ingestion.FetchedDocument
	err := resilience.Retry(ctx, "fetch "+ref.URL, resilience.RetryConfig{MaxAttempts: f.cfg.Attempts}, func() error {
		d, err := f.fetchOnce(ctx, ref, scope)
		if err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		var fe *ingestion.FetchError
		if !errors.As(err, &fe) {
			fe = &ingestion.FetchError{URL: ref.URL, Err: err}
		}
		f.observe(outcome(fe), 0, false, time.Since(start))
		return nil, fe
	}

	f.observe("ok", doc.Size, doc.Body.Spilled(), time.Since(start))
	logger.FromContext(ctx).Debug("document fetched",
		"url", ref.URL,
		"size", doc.Size,
		"spilled", doc.Body.Spilled(),
		"declared_type", doc.DeclaredType,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return doc, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, ref ingestion.DocumentReference, scope *spool.Scope) (*ingestion.FetchedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, resilience.Permanent(&ingestion.FetchError{URL: ref.URL, Err: err})
	}
	for k, v := range ref.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" && f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fe := &ingestion.FetchError{URL: ref.URL, Err: err}
		if ctx.Err() != nil {
			return nil, resilience.Permanent(fe)
		}
		return nil, fe
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fe := &ingestion.FetchError{URL: ref.URL, StatusCode: resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			return nil, resilience.After(fe, retryAfter(resp.Header.Get("Retry-After")))
		}
		return nil, resilience.Permanent(fe)
	}
	if f.cfg.MaxDocumentSize > 0 && resp.ContentLength > f.cfg.MaxDocumentSize {
		return nil, resilience.Permanent(f.tooLarge(ref.URL))
	}

	declared := resp.Header.Get("Content-Type")
	coding := resp.Header.Get("Content-Encoding")
	body, closeBody, err := decodeBody(resp.Body, coding)
	if err != nil {
		return nil, resilience.Permanent(&ingestion.FetchError{URL: ref.URL, Err: fmt.Errorf("decoding %s body: %w", coding, err)})
	}
	defer closeBody()

	buf, err := scope.NewBuffer(f.cfg.SpillThreshold)
	if err != nil {
		return nil, resilience.Permanent(&ingestion.FetchError{URL: ref.URL, Err: err})
	}
	size, err := f.copyChunks(buf, body)
	if err == nil {
		err = buf.Rewind()
	}
	if err != nil {
		buf.Close()
		if errors.Is(err, ErrDocumentTooLarge) {
			return nil, resilience.Permanent(f.tooLarge(ref.URL))
		}
		fe := &ingestion.FetchError{URL: ref.URL, Err: fmt.Errorf("transfer interrupted: %w", err)}
		if ctx.Err() != nil {
			return nil, resilience.Permanent(fe)
		}
		return nil, fe
	}

	return &ingestion.FetchedDocument{
		URL:          ref.URL,
		Filename:     ref.Filename,
		ContentType:  ref.ContentType,
		DeclaredType: declared,
		Encoding:     encodingHint(declared, coding),
		Body:         buf,
		Size:         size,
	}, nil
}

// copyChunks moves src into buf one chunk at a time, enforcing the size cap.
func (f *Fetcher) copyChunks(buf *spool.Buffer, src io.Reader) (int64, error) {
	chunk := make([]byte, f.cfg.ChunkSize)
	var total int64
	for {
		n, rerr := src.Read(chunk)
		if n > 0 {
			total += int64(n)
			if f.cfg.MaxDocumentSize > 0 && total > f.cfg.MaxDocumentSize {
				return total, ErrDocumentTooLarge
			}
			if _, werr := buf.Write(chunk[:n]); werr != nil {
				return total, fmt.Errorf("spooling body: %w", werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (f *Fetcher) tooLarge(url string) *ingestion.FetchError {
	return &ingestion.FetchError{
		URL: url,
		Err: fmt.Errorf("%w (limit %d bytes)", ErrDocumentTooLarge, f.cfg.MaxDocumentSize),
	}
}

func (f *Fetcher) observe(outcome string, size int64, spilled bool, d time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.FetchesTotal.WithLabelValues(outcome).Inc()
	f.metrics.FetchDuration.Observe(d.Seconds())
	if outcome != "ok" {
		return
	}
	f.metrics.FetchBytes.Observe(float64(size))
	if spilled {
		f.metrics.SpilledDocumentsTotal.Inc()
	}
}

func outcome(fe *ingestion.FetchError) string {
	switch {
	case errors.Is(fe, ErrDocumentTooLarge):
		return "too_large"
	case fe.StatusCode != 0:
		return "http_error"
	default:
		return "network_error"
	}
}

// retryAfter reads a Retry-After value given in seconds or as an HTTP date.
// Anything else gives zero, which keeps the normal backoff.
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at)
	}
	return 0
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// decodeBody undoes a compression content-coding the transport left in
// place. Unknown codings pass through untouched.
func decodeBody(r io.Reader, coding string) (io.Reader, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, func() { zr.Close() }, nil
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, func() { zr.Close() }, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, zr.Close, nil
	default:
		return r, noop, nil
	}
}

func isCompression(coding string) bool {
	switch coding {
	case "gzip", "x-gzip", "deflate", "zstd", "br", "compress", "x-compress", "identity":
		return true
	}
	return false
}

// encodingHint picks the text encoding for content sniffing: the declared
// charset, then a non-compression Content-Encoding value, then utf-8.
func encodingHint(contentType, contentEncoding string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.TrimSpace(params["charset"]); cs != "" {
			return strings.ToLower(cs)
		}
	}
	if ce := strings.ToLower(strings.TrimSpace(contentEncoding)); ce != "" && !isCompression(ce) {
		return ce
	}
	return DefaultEncoding
}
