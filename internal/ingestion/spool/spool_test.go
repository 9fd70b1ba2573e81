package spool

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// writeChunks mimics the fetcher's fixed-size copy loop.
func writeChunks(t *testing.T, b *Buffer, data []byte, chunk int) {
	t.Helper()
	for len(data) > 0 {
		n := min(chunk, len(data))
		written, err := b.Write(data[:n])
		require.NoError(t, err)
		require.Equal(t, n, written)
		data = data[n:]
	}
}

func TestBufferRoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		threshold   int64
		wantSpilled bool
	}{
		{"empty", 0, 64, false},
		{"below threshold", 40, 64, false},
		{"exactly threshold", 64, 64, false},
		{"above threshold", 1000, 64, true},
		{"zero threshold", 10, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			data := randomBytes(t, tt.size)
			b := New(dir, tt.threshold)
			defer b.Close()

			writeChunks(t, b, data, 16)
			require.NoError(t, b.Rewind())

			assert.Equal(t, tt.wantSpilled, b.Spilled())
			assert.Equal(t, int64(tt.size), b.Size())
			got, err := io.ReadAll(b)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "contents differ")
		})
	}
}

func TestBufferSpillFileLivesInDir(t *testing.T) {
	dir := t.TempDir()
	b := New(dir, 4)
	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "", b.Name())

	_, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	require.True(t, b.Spilled())
	assert.Equal(t, dir, filepath.Dir(b.Name()))

	name := b.Name()
	require.NoError(t, b.Close())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, b.Close(), "close is idempotent")
}

func TestBufferSeekAndReadAt(t *testing.T) {
	for _, threshold := range []int64{1 << 10, 2} {
		b := New(t.TempDir(), threshold)
		_, err := b.Write([]byte("hello, spool"))
		require.NoError(t, err)

		pos, err := b.Seek(7, io.SeekStart)
		require.NoError(t, err)
		assert.Equal(t, int64(7), pos)

		rest, err := io.ReadAll(b)
		require.NoError(t, err)
		assert.Equal(t, "spool", string(rest))

		p := make([]byte, 5)
		n, err := b.ReadAt(p, 0)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(p[:n]))

		n, err = b.ReadAt(make([]byte, 10), 7)
		assert.Equal(t, 5, n)
		assert.Equal(t, io.EOF, err)

		cur, err := b.Seek(0, io.SeekCurrent)
		require.NoError(t, err)
		assert.Equal(t, int64(12), cur, "ReadAt must not move the read position")

		_, err = b.Seek(-1, io.SeekStart)
		assert.Error(t, err)
		b.Close()
	}
}

func TestBufferClosed(t *testing.T) {
	b := New(t.TempDir(), 8)
	require.NoError(t, b.Close())
	_, err := b.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScopeCloseRemovesEverything(t *testing.T) {
	root := t.TempDir()
	scope, err := NewScope(root)
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(scope.Dir()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := scope.NewBuffer(16)
			if !assert.NoError(t, err) {
				return
			}
			_, err = b.Write(bytes.Repeat([]byte{'x'}, 64))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(scope.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 8, "each buffer spills to its own file")

	require.NoError(t, scope.Close())
	_, err = os.Stat(scope.Dir())
	assert.True(t, os.IsNotExist(err))

	rootEntries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, rootEntries)

	_, err = scope.NewBuffer(16)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, scope.Close())
}

func TestScopesAreUnique(t *testing.T) {
	root := t.TempDir()
	a, err := NewScope(root)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewScope(root)
	require.NoError(t, err)
	defer b.Close()
	assert.NotEqual(t, a.Dir(), b.Dir())
}
