// Package tracing times the stages of a request. Stages started from a
// context that already carries a span become its children, and the root
// span logs the whole tree as a single structured record when it finishes.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanKey struct{}

// Span is one timed stage of a trace.
type Span struct {
	name    string
	traceID string
	start   time.Time
	parent  *Span

	mu       sync.Mutex
	duration time.Duration
	attrs    []slog.Attr
	err      error
	children []*Span
}

// Start begins a span named name. If ctx already carries a span the new one
// is its child and inherits its trace id; otherwise it is a root with traceID.
func Start(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{name: name, traceID: traceID, start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		s.parent = parent
		s.traceID = parent.traceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

// FromContext returns the span carried by ctx, or nil.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey{}).(*Span)
	return s
}

// Set attaches an attribute to the span.
func (s *Span) Set(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, slog.Any(key, value))
	s.mu.Unlock()
}

// Finish records the span's duration and, if err is non-nil, its failure.
// Only the first error is kept.
func (s *Span) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = time.Since(s.start)
	if err != nil && s.err == nil {
		s.err = err
	}
}

// Root reports whether the span has no parent.
func (s *Span) Root() bool { return s.parent == nil }

// TraceID returns the trace the span belongs to.
func (s *Span) TraceID() string { return s.traceID }

// Duration returns the time between Start and Finish.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Err returns the error the span finished with.
func (s *Span) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Children returns the direct child spans in start order.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// LogTo writes the span tree as one record. Each descendant becomes a group
// named after it. The record is logged at warn when any span failed and at
// debug otherwise.
func (s *Span) LogTo(l *slog.Logger) {
	args := []any{slog.String("trace_id", s.traceID), slog.String("span", s.name)}
	own, failed := s.group()
	args = append(args, own...)
	for _, child := range s.Children() {
		attrs, childFailed := child.tree()
		failed = failed || childFailed
		args = append(args, slog.Group(child.name, attrs...))
	}
	level := slog.LevelDebug
	if failed {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "trace", args...)
}

func (s *Span) tree() ([]any, bool) {
	attrs, failed := s.group()
	for _, child := range s.Children() {
		sub, childFailed := child.tree()
		failed = failed || childFailed
		attrs = append(attrs, slog.Group(child.name, sub...))
	}
	return attrs, failed
}

func (s *Span) group() ([]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, 0, len(s.attrs)+2)
	out = append(out, slog.Int64("duration_ms", s.duration.Milliseconds()))
	for _, a := range s.attrs {
		out = append(out, a)
	}
	if s.err != nil {
		out = append(out, slog.String("error", s.err.Error()))
	}
	return out, s.err != nil
}
