package partition

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/pkg/config"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/resilience"
)

type receivedFile struct {
	Filename    string
	ContentType string
	Body        string
}

func newClient(url string) *Client {
	return New(config.PartitionConfig{URL: url, Timeout: 5 * time.Second, FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
}

func TestPartitionStreamsFilesAndOptions(t *testing.T) {
	var (
		got       []receivedFile
		fields    map[string][]string
		requestID string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, generalPath, r.URL.Path)
		requestID = r.Header.Get("X-Request-ID")
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if !assert.NoError(t, err) {
				return
			}
			b, _ := io.ReadAll(f)
			f.Close()
			got = append(got, receivedFile{fh.Filename, fh.Header.Get("Content-Type"), string(b)})
		}
		fields = r.MultipartForm.Value
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"type":"NarrativeText","text":"hello"}]`)
	}))
	defer srv.Close()

	files := []ingestion.PartitionFile{
		{Filename: "https://example.com/a.pdf", ContentType: "application/pdf", Body: strings.NewReader("%PDF-1.4")},
		{Filename: `odd "name".txt`, ContentType: "text/plain", Body: strings.NewReader("plain")},
	}
	opts := ingestion.Options{
		"strategy":       json.RawMessage(`"hi_res"`),
		"languages":      json.RawMessage(`["eng", "deu"]`),
		"coordinates":    json.RawMessage(`true`),
		"max_characters": json.RawMessage(`500`),
		"chunking":       json.RawMessage(`null`),
	}
	ctx := logger.WithRequestID(context.Background(), "req-7")
	result, err := newClient(srv.URL).Partition(ctx, files, opts)
	require.NoError(t, err)

	assert.Equal(t, "application/json", result.ContentType)
	assert.JSONEq(t, `[{"type":"NarrativeText","text":"hello"}]`, string(result.Body))
	assert.Equal(t, "req-7", requestID)
	assert.Equal(t, []receivedFile{
		{"https://example.com/a.pdf", "application/pdf", "%PDF-1.4"},
		{`odd "name".txt`, "text/plain", "plain"},
	}, got)
	assert.Equal(t, []string{"hi_res"}, fields["strategy"])
	assert.Equal(t, []string{"eng", "deu"}, fields["languages"])
	assert.Equal(t, []string{"true"}, fields["coordinates"])
	assert.Equal(t, []string{"500"}, fields["max_characters"])
	assert.NotContains(t, fields, "chunking")
}

func TestPartitionRelaysClientErrorWithoutTripping(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail":"unknown strategy"}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	for i := 0; i < 2; i++ {
		_, err := c.Partition(context.Background(), nil, nil)
		var pe *ingestion.PartitionError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
		assert.Equal(t, "application/json", pe.ContentType)
		assert.JSONEq(t, `{"detail":"unknown strategy"}`, string(pe.Body))
		assert.ErrorIs(t, err, apperrors.ErrPartitionFailed)
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, resilience.StateClosed, c.BreakerState())
}

func TestPartitionServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.Copy(io.Discard, r.Body)
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	_, err := c.Partition(context.Background(), nil, nil)
	var pe *ingestion.PartitionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)

	_, err = c.Partition(context.Background(), nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPartitionUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(url).Partition(context.Background(), []ingestion.PartitionFile{
		{Filename: "a.txt", ContentType: "text/plain", Body: strings.NewReader(strings.Repeat("x", 1<<20))},
	}, nil)
	var pe *ingestion.PartitionError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, pe.StatusCode)
}

func TestPing(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, healthPath, r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"healthcheck":"HEALTHCHECK STATUS: EVERYTHING OK!"}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	assert.NoError(t, c.Ping(context.Background()))
	healthy.Store(false)
	assert.Error(t, c.Ping(context.Background()))
}

func TestFormValues(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{`"fast"`, []string{"fast"}},
		{`[1, "a", true, null]`, []string{"1", "a", "true"}},
		{`false`, []string{"false"}},
		{`1.5e3`, []string{"1.5e3"}},
		{`{"k":"v"}`, []string{`{"k":"v"}`}},
		{`null`, nil},
	}
	for _, tt := range tests {
		got, err := FormValues(json.RawMessage(tt.raw))
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
	_, err := FormValues(json.RawMessage(`{`))
	assert.Error(t, err)
}
