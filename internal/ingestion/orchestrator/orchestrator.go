// Package orchestrator fetches a batch of references with bounded
// parallelism. Results keep the input order and the first failure aborts the
// whole batch.
package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/spool"
)

// Fetcher retrieves one reference into scope.
type Fetcher interface {
	Fetch(ctx context.Context, ref ingestion.DocumentReference, scope *spool.Scope) (*ingestion.FetchedDocument, error)
}

// FetchAll fetches refs into scope using at most maxParallel concurrent
// fetches; values below one are treated as one. The i-th document belongs to
// the i-th reference. On failure every document fetched so far is closed and
// the first error is returned.
func FetchAll(ctx context.Context, f Fetcher, refs []ingestion.DocumentReference, scope *spool.Scope, maxParallel int) ([]*ingestion.FetchedDocument, error) {
	if maxParallel < 1 {
		maxParallel = 1
	}
	docs := make([]*ingestion.FetchedDocument, len(refs))
	var err error
	if len(refs) <= 1 || maxParallel == 1 {
		err = fetchSequential(ctx, f, refs, scope, docs)
	} else {
		err = fetchParallel(ctx, f, refs, scope, docs, maxParallel)
	}
	if err != nil {
		release(docs)
		return nil, err
	}
	return docs, nil
}

func fetchSequential(ctx context.Context, f Fetcher, refs []ingestion.DocumentReference, scope *spool.Scope, docs []*ingestion.FetchedDocument) error {
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := f.Fetch(ctx, ref, scope)
		if err != nil {
			return err
		}
		docs[i] = doc
	}
	return nil
}

func fetchParallel(ctx context.Context, f Fetcher, refs []ingestion.DocumentReference, scope *spool.Scope, docs []*ingestion.FetchedDocument, maxParallel int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, ref := range refs {
		g.Go(func() error {
			// Work queued behind a failure is skipped.
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := f.Fetch(gctx, ref, scope)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	// Wait returns once every in-flight fetch has observed the cancelled
	// context, so no sibling is still writing into scope afterwards.
	return g.Wait()
}

func release(docs []*ingestion.FetchedDocument) {
	for i, doc := range docs {
		if doc != nil && doc.Body != nil {
			doc.Body.Close()
		}
		docs[i] = nil
	}
}
