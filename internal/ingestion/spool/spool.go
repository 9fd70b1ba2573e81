// Package spool provides a seekable byte buffer that keeps small payloads in
// memory and transparently moves them to a temporary file once they grow past
// a threshold, plus the per-request directory scope those files live in.
package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultChunkSize is the copy granularity used when filling a Buffer.
	DefaultChunkSize = 1 << 20
	// DefaultSpillThreshold is the in-memory limit before spilling to disk.
	DefaultSpillThreshold = 10 << 20
)

// ErrClosed is returned by operations on a closed Buffer or Scope.
var ErrClosed = errors.New("spool: closed")

// Buffer is an append-only writer with an independent read position. It is
// not safe for concurrent use.
type Buffer struct {
	dir       string
	threshold int64
	mem       []byte
	file      *os.File
	size      int64
	off       int64
	closed    bool
}

// New returns a Buffer that spills into dir ("" means os.TempDir()) once
// more than threshold bytes have been written.
func New(dir string, threshold int64) *Buffer {
	if threshold < 0 {
		threshold = 0
	}
	return &Buffer{dir: dir, threshold: threshold}
}

// Write appends p. The write that would take the buffer past its threshold
// moves everything written so far into a temp file first.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.file == nil && b.size+int64(len(p)) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}
	if b.file != nil {
		n, err := b.file.Write(p)
		b.size += int64(n)
		if err != nil {
			return n, fmt.Errorf("spool: writing spill file: %w", err)
		}
		return n, nil
	}
	b.mem = append(b.mem, p...)
	b.size += int64(len(p))
	return len(p), nil
}

func (b *Buffer) spill() error {
	f, err := os.CreateTemp(b.dir, "spool-*")
	if err != nil {
		return fmt.Errorf("spool: creating spill file: %w", err)
	}
	if _, err := f.Write(b.mem); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: writing spill file: %w", err)
	}
	b.file = f
	b.mem = nil
	return nil
}

// Read reads from the current read position.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := b.ReadAt(p, b.off)
	b.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes starting at off without moving the read
// position.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, errors.New("spool: negative offset")
	}
	if off >= b.size {
		return 0, io.EOF
	}
	want := p
	if remaining := b.size - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}
	var n int
	if b.file != nil {
		var err error
		n, err = b.file.ReadAt(want, off)
		if err != nil && err != io.EOF {
			return n, fmt.Errorf("spool: reading spill file: %w", err)
		}
	} else {
		n = copy(want, b.mem[off:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek moves the read position. Writes always append regardless of it.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	if b.closed {
		return 0, ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = b.size + offset
	default:
		return 0, errors.New("spool: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("spool: negative position")
	}
	b.off = abs
	return abs, nil
}

// Rewind resets the read position to the start.
func (b *Buffer) Rewind() error {
	_, err := b.Seek(0, io.SeekStart)
	return err
}

// Size is the number of bytes written.
func (b *Buffer) Size() int64 { return b.size }

// Spilled reports whether the contents live on disk.
func (b *Buffer) Spilled() bool { return b.file != nil }

// Name is the spill file path, or "" while the buffer is in memory.
func (b *Buffer) Name() string {
	if b.file == nil {
		return ""
	}
	return b.file.Name()
}

// Close releases memory and removes the spill file. It is idempotent.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = nil
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rmErr := os.Remove(name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	b.file = nil
	return err
}
