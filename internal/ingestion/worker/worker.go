// Package worker consumes asynchronous URL partition jobs from Kafka, runs
// them through the ingestion session and publishes the outcome.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/validator"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
	"github.com/Vantiq/unstructured-api/pkg/kafka"
	"github.com/Vantiq/unstructured-api/pkg/logger"
)

// Runner executes one ingestion request.
type Runner interface {
	Run(ctx context.Context, req *ingestion.PartitionURLsRequest) (*ingestion.PartitionResult, error)
}

// ResultPublisher emits job outcomes.
type ResultPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Worker handles partition job messages.
type Worker struct {
	runner  Runner
	results ResultPublisher
	maxURLs int
}

// New creates a Worker.
func New(runner Runner, results ResultPublisher, maxURLs int) *Worker {
	return &Worker{
		runner:  runner,
		results: results,
		maxURLs: maxURLs,
	}
}

// Handle is a kafka.MessageHandler. Every job, including malformed ones,
// produces exactly one outcome; an error is returned only when the outcome
// could not be published or the worker is shutting down, so the message is
// redelivered.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	job, decodeErr := kafka.DecodeJSON[ingestion.PartitionJob](msg.Value)
	requestID := jobID(job, msg)
	ctx = logger.WithRequestID(ctx, requestID)
	ctx = logger.WithAttrs(ctx, "component", "ingestion-worker", "message_key", string(msg.Key))
	log := logger.FromContext(ctx)

	var (
		result *ingestion.PartitionResult
		err    error
	)
	if decodeErr != nil {
		err = fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, decodeErr)
	} else {
		err = validator.ValidatePartitionURLsRequest(&job.Request, w.maxURLs)
	}
	if err == nil {
		result, err = w.runner.Run(ctx, &job.Request)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	outcome := NewOutcome(requestID, result, err)
	log.Info("partition job finished", "status", outcome.Status)
	event := kafka.Event{
		Key:     requestID,
		Value:   outcome,
		Headers: map[string]string{"X-Request-ID": requestID},
	}
	return w.results.Publish(ctx, event)
}

// NewOutcome builds the published outcome of a job.
func NewOutcome(requestID string, result *ingestion.PartitionResult, err error) ingestion.PartitionOutcome {
	outcome := ingestion.PartitionOutcome{
		RequestID:   requestID,
		Status:      ingestion.StatusOf(err),
		CompletedAt: time.Now().UTC(),
	}
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.ContentType = result.ContentType
	if json.Valid(result.Body) {
		outcome.Result = json.RawMessage(result.Body)
	} else {
		outcome.Text = string(result.Body)
	}
	return outcome
}

// jobID picks the job's own id, then the message's request id header, then
// its key, and generates one as a last resort.
func jobID(job ingestion.PartitionJob, msg kafka.Message) string {
	switch {
	case job.RequestID != "":
		return job.RequestID
	case msg.Header("X-Request-ID") != "":
		return msg.Header("X-Request-ID")
	case len(msg.Key) > 0:
		return string(msg.Key)
	default:
		return uuid.NewString()
	}
}
