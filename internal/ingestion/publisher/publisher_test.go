package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/pkg/kafka"
)

type fakeStore struct {
	runs []*ingestion.RunRecord
	err  error
}

func (s *fakeStore) SaveRun(_ context.Context, run *ingestion.RunRecord) error {
	s.runs = append(s.runs, run)
	return s.err
}

type fakeBus struct {
	events []kafka.Event
	err    error
}

func (b *fakeBus) Publish(_ context.Context, e kafka.Event) error {
	b.events = append(b.events, e)
	return b.err
}

func sampleRun() *ingestion.RunRecord {
	return &ingestion.RunRecord{
		RequestID: "req-9",
		Status:    ingestion.StatusFetchFailed,
		Error:     "fetching https://a.io/x: HTTP 404 Not Found",
		FailedURL: "https://a.io/x",
		URLCount:  2,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
	}
}

func TestRecordWritesBothSinks(t *testing.T) {
	store, bus := &fakeStore{}, &fakeBus{}
	New(store, bus).Record(context.Background(), sampleRun())

	require.Len(t, store.runs, 1)
	require.Len(t, bus.events, 1)
	e := bus.events[0]
	assert.Equal(t, "req-9", e.Key)
	assert.Equal(t, "req-9", e.Headers["X-Request-ID"])

	ev := e.Value.(ingestion.IngestEvent)
	assert.Equal(t, ingestion.StatusFetchFailed, ev.Status)
	assert.Equal(t, "https://a.io/x", ev.FailedURL)
	assert.Equal(t, int64(1500), ev.DurationMs)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 6, 500_000_000, time.UTC), ev.CompletedAt)
	assert.NotNil(t, ev.Documents)
}

func TestRecordToleratesFailuresAndMissingSinks(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	bus := &fakeBus{err: errors.New("broker down")}
	assert.NotPanics(t, func() {
		New(store, bus).Record(context.Background(), sampleRun())
		New(nil, nil).Record(context.Background(), sampleRun())
	})
	assert.Len(t, bus.events, 1, "store failure does not stop the event")
}

func TestRecordWithoutRequestID(t *testing.T) {
	bus := &fakeBus{}
	run := sampleRun()
	run.RequestID = ""
	New(nil, bus).Record(context.Background(), run)
	require.Len(t, bus.events, 1)
	assert.Nil(t, bus.events[0].Headers)
}

func TestDocumentColumns(t *testing.T) {
	cols := documentColumns([]ingestion.DocumentRecord{
		{Position: 0, URL: "https://a.io/x.pdf", Filename: "x.pdf", ContentType: "application/pdf", TypeSource: "filename", Size: 10},
		{Position: 1, URL: "https://a.io/y", Filename: "https://a.io/y", ContentType: "text/html", TypeSource: "declared", Size: 20, Spilled: true},
	})

	assert.Equal(t, []int64{0, 1}, cols.positions)
	assert.Equal(t, []string{"https://a.io/x.pdf", "https://a.io/y"}, cols.urls)
	assert.Equal(t, []string{"application/pdf", "text/html"}, cols.contentTypes)
	assert.Equal(t, []string{"filename", "declared"}, cols.typeSources)
	assert.Equal(t, []int64{10, 20}, cols.sizes)
	assert.Equal(t, []bool{false, true}, cols.spilled)

	empty := documentColumns(nil)
	assert.Empty(t, empty.urls)
}
