// Package handler exposes URL ingestion over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Vantiq/unstructured-api/internal/ingestion"
	"github.com/Vantiq/unstructured-api/internal/ingestion/validator"
	apperrors "github.com/Vantiq/unstructured-api/pkg/errors"
	"github.com/Vantiq/unstructured-api/pkg/health"
	"github.com/Vantiq/unstructured-api/pkg/logger"
)

const maxRequestBytes = 1 << 20

// Runner executes one ingestion request.
type Runner interface {
	Run(ctx context.Context, req *ingestion.PartitionURLsRequest) (*ingestion.PartitionResult, error)
}

// Cache collapses and caches identical requests.
type Cache interface {
	GetOrCompute(ctx context.Context, req *ingestion.PartitionURLsRequest, computeFn func() (*ingestion.PartitionResult, error)) (*ingestion.PartitionResult, bool, error)
}

type Handler struct {
	runner  Runner
	cache   Cache
	health  *health.Checker
	maxURLs int
	logger  *slog.Logger
}

// New creates a Handler. cache and checker may be nil.
func New(runner Runner, cache Cache, checker *health.Checker, maxURLs int) *Handler {
	if checker == nil {
		checker = health.NewChecker()
	}
	return &Handler{
		runner:  runner,
		cache:   cache,
		health:  checker,
		maxURLs: maxURLs,
		logger:  slog.Default().With("component", "ingestion-handler"),
	}
}

// Register mounts the ingestion and health routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /general/v0/urls", h.PartitionURLs)
	mux.HandleFunc("POST /general/v0.0.73/urls", h.PartitionURLs)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.health.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.health.ReadyHandler())
}

// PartitionURLs fetches the referenced documents and relays the
// partitioning engine's response.
func (h *Handler) PartitionURLs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req ingestion.PartitionURLsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		var refErr *ingestion.ReferenceError
		if errors.As(err, &refErr) {
			h.writeError(w, http.StatusBadRequest, refErr.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidatePartitionURLsRequest(&req, h.maxURLs); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, cacheHit, err := h.run(ctx, &req)
	if err != nil {
		h.writeRunError(w, log, err)
		return
	}
	if h.cache != nil {
		if cacheHit {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Body); err != nil {
		log.Error("failed to write response", "error", err)
	}
}

func (h *Handler) run(ctx context.Context, req *ingestion.PartitionURLsRequest) (*ingestion.PartitionResult, bool, error) {
	if h.cache == nil {
		result, err := h.runner.Run(ctx, req)
		return result, false, err
	}
	return h.cache.GetOrCompute(ctx, req, func() (*ingestion.PartitionResult, error) {
		return h.runner.Run(ctx, req)
	})
}

func (h *Handler) writeRunError(w http.ResponseWriter, log *slog.Logger, err error) {
	var (
		refErr  *ingestion.ReferenceError
		fetErr  *ingestion.FetchError
		partErr *ingestion.PartitionError
	)
	switch {
	case errors.As(err, &refErr):
		h.writeError(w, http.StatusBadRequest, refErr.Error())
	case errors.As(err, &fetErr):
		log.Warn("document fetch failed", "url", fetErr.URL, "status_code", fetErr.StatusCode, "error", err)
		body := map[string]any{
			"error": fetErr.Error(),
			"url":   fetErr.URL,
		}
		if fetErr.StatusCode != 0 {
			body["status_code"] = fetErr.StatusCode
		}
		h.writeJSON(w, http.StatusBadGateway, body)
	case errors.As(err, &partErr) && partErr.StatusCode != 0 && !errors.Is(err, apperrors.ErrUnavailable):
		log.Warn("partitioning failed", "status_code", partErr.StatusCode)
		if partErr.ContentType != "" {
			w.Header().Set("Content-Type", partErr.ContentType)
		}
		w.WriteHeader(partErr.StatusCode)
		if _, werr := w.Write(partErr.Body); werr != nil {
			log.Error("failed to write response", "error", werr)
		}
	default:
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("ingestion failed", "error", err, "status_code", statusCode)
		h.writeError(w, statusCode, http.StatusText(statusCode))
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
