package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	pkgredis "github.com/Vantiq/unstructured-api/pkg/redis"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, pkgredis.ErrMiss
	}
	return []byte(v), nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = string(value)
	s.ttls[key] = ttl
	return nil
}

func (s *memStore) DeleteMatching(_ context.Context, pattern string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}

func decode(t *testing.T, body string) *ingestion.PartitionURLsRequest {
	t.Helper()
	var req ingestion.PartitionURLsRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestKeyIgnoresOptionOrderAndWhitespace(t *testing.T) {
	a, err := Key(decode(t, `{"urls":["https://a.io/x.pdf"],"strategy":"fast","languages":["eng"]}`))
	require.NoError(t, err)
	b, err := Key(decode(t, `{ "languages": [ "eng" ], "strategy": "fast", "urls": [ "https://a.io/x.pdf" ] }`))
	require.NoError(t, err)
	c, err := Key(decode(t, `{"urls":["https://a.io/x.pdf"],"strategy":"hi_res","languages":["eng"]}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, keyPrefix))
}

func TestGetOrComputeCachesSuccess(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute, nil)
	req := decode(t, `{"urls":["https://a.io/x.pdf"]}`)
	want := &ingestion.PartitionResult{ContentType: "application/json", Body: []byte(`[]`)}

	var calls atomic.Int32
	compute := func() (*ingestion.PartitionResult, error) {
		calls.Add(1)
		return want, nil
	}

	got, hit, err := c.GetOrCompute(context.Background(), req, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, want, got)

	got, hit, err = c.GetOrCompute(context.Background(), req, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want.Body, got.Body)
	assert.Equal(t, int32(1), calls.Load())

	key, _ := Key(req)
	assert.Equal(t, time.Minute, store.ttls[key])
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestGetOrComputeDoesNotCacheFailures(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)
	req := decode(t, `{"urls":["https://a.io/x.pdf"]}`)
	boom := errors.New("fetch failed")

	_, _, err := c.GetOrCompute(context.Background(), req, func() (*ingestion.PartitionResult, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var calls int
	_, hit, err := c.GetOrCompute(context.Background(), req, func() (*ingestion.PartitionResult, error) {
		calls++
		return &ingestion.PartitionResult{}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, calls)
}

func TestGetOrComputeCollapsesConcurrentCalls(t *testing.T) {
	c := New(newMemStore(), time.Minute, nil)
	req := decode(t, `{"urls":["https://a.io/x.pdf"]}`)
	release := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.GetOrCompute(context.Background(), req, func() (*ingestion.PartitionResult, error) {
				calls.Add(1)
				<-release
				return &ingestion.PartitionResult{ContentType: "text/csv"}, nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidate(t *testing.T) {
	store := newMemStore()
	c := New(store, time.Minute, nil)
	req := decode(t, `{"urls":["https://a.io/x.pdf"]}`)
	_, _, err := c.GetOrCompute(context.Background(), req, func() (*ingestion.PartitionResult, error) {
		return &ingestion.PartitionResult{}, nil
	})
	require.NoError(t, err)
	store.data["other:key"] = "keep"

	require.NoError(t, c.Invalidate(context.Background()))
	assert.Len(t, store.data, 1)
}
