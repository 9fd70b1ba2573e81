package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Vantiq/unstructured-api/pkg/kafka"
)

// BatchWriter writes several events in one call.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// BatchPublisher buffers events and writes them in batches, either when
// batchSize events are pending or every flushInterval. Publish never blocks
// on the broker. Failed batches are re-queued up to three batches' worth;
// anything beyond that is dropped and logged.
type BatchPublisher struct {
	writer        BatchWriter
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []kafka.Event

	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewBatchPublisher creates a BatchPublisher and starts its flush loop.
func NewBatchPublisher(writer BatchWriter, batchSize int, flushInterval time.Duration) *BatchPublisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	bp := &BatchPublisher{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "batch-publisher"),
		buffer:        make([]kafka.Event, 0, batchSize),
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go bp.loop()
	return bp
}

// Publish implements EventPublisher by buffering event.
func (bp *BatchPublisher) Publish(_ context.Context, event kafka.Event) error {
	bp.mu.Lock()
	bp.buffer = append(bp.buffer, event)
	full := len(bp.buffer) >= bp.batchSize
	bp.mu.Unlock()
	if full {
		select {
		case bp.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of buffered events.
func (bp *BatchPublisher) Pending() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Close stops the flush loop after a final flush bounded by ctx.
func (bp *BatchPublisher) Close(ctx context.Context) error {
	bp.once.Do(func() { close(bp.stop) })
	<-bp.done
	return bp.flush(ctx)
}

func (bp *BatchPublisher) loop() {
	defer close(bp.done)
	ticker := time.NewTicker(bp.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-bp.stop:
			return
		case <-ticker.C:
		case <-bp.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), bp.flushInterval)
		_ = bp.flush(ctx)
		cancel()
	}
}

func (bp *BatchPublisher) flush(ctx context.Context) error {
	bp.flushMu.Lock()
	defer bp.flushMu.Unlock()

	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return nil
	}
	batch := bp.buffer
	bp.buffer = make([]kafka.Event, 0, bp.batchSize)
	bp.mu.Unlock()

	if err := bp.writer.PublishBatch(ctx, batch); err != nil {
		bp.logger.Error("batch flush failed", "batch_size", len(batch), "error", err)
		bp.mu.Lock()
		bp.buffer = append(batch, bp.buffer...)
		if limit := bp.batchSize * 3; len(bp.buffer) > limit {
			dropped := len(bp.buffer) - limit
			bp.buffer = bp.buffer[:limit]
			bp.logger.Warn("event buffer overflow, events dropped", "dropped", dropped)
		}
		bp.mu.Unlock()
		return err
	}
	bp.logger.Debug("batch flushed", "events", len(batch))
	return nil
}
