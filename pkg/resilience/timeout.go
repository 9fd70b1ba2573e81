package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout and waits for it to
// return, so fn must honour its context. An error caused by the deadline is
// reported as apperrors.ErrTimeout wrapping context.DeadlineExceeded; a
// cancelled parent is reported as is. A non-positive timeout runs fn
// without a deadline.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", name, ctx.Err())
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: %w after %v: %w", name, apperrors.ErrTimeout, timeout, context.DeadlineExceeded)
	default:
		return err
	}
}
