package spool

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Scope is a uniquely named directory owning every Buffer created through
// it. Closing the scope closes those buffers and deletes the directory.
// NewBuffer may be called concurrently.
type Scope struct {
	dir     string
	mu      sync.Mutex
	buffers []*Buffer
	closed  bool
}

// NewScope creates a fresh directory under root ("" means os.TempDir()).
func NewScope(root string) (*Scope, error) {
	dir, err := os.MkdirTemp(root, "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp scope: %w", err)
	}
	return &Scope{dir: dir}, nil
}

// Dir is the scope's directory.
func (s *Scope) Dir() string { return s.dir }

// NewBuffer returns a Buffer spilling into the scope directory.
func (s *Scope) NewBuffer(threshold int64) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b := New(s.dir, threshold)
	s.buffers = append(s.buffers, b)
	return b, nil
}

// Close closes all buffers and removes the directory with its contents. It
// is idempotent.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, b := range s.buffers {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.buffers = nil
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("removing temp scope %s: %w", s.dir, err))
	}
	return errors.Join(errs...)
}
