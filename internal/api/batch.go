package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

const maxRequestBodySize = 1 << 16 // 64KB

// BatchRunner is the scheduler surface the HTTP and MCP layers drive.
type BatchRunner interface {
	Run(ctx context.Context, batchDate string) (pipeline.Report, error)
	RetryFailed(ctx context.Context, batchDate string) (int, error)
	Status(ctx context.Context, batchDate string) ([]storage.BatchRun, error)
	DefaultDate() string
}

type AppDeps struct {
	Batch   BatchRunner
	Token   string       // bearer token for /batch routes; empty disables auth
	Metrics http.Handler // optional /metrics handler
}

// BatchRequest is the optional body of POST /batch/run and /batch/retry.
type BatchRequest struct {
	Date string `json:"date"`
}

type RetryResponse struct {
	BatchDate string `json:"batchDate"`
	Queued    int    `json:"queued"`
}

type StatusResponse struct {
	BatchDate string             `json:"batchDate"`
	Runs      []storage.BatchRun `json:"runs"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/batch", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/run", handleRunBatch(deps))
		r.Get("/run", handleRunBatch(deps))
		r.Post("/retry", handleRetryBatch(deps))
		r.Get("/status", handleBatchStatus(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRunBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := requestDate(w, r)
		if !ok {
			return
		}

		report, err := deps.Batch.Run(r.Context(), date)
		switch {
		case errors.Is(err, pipeline.ErrInvalidDate):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, storage.ErrRunInProgress):
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "batch run failed: %v", err)
			return
		}

		status := http.StatusOK
		if report.Fatal {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func handleRetryBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := requestDate(w, r)
		if !ok {
			return
		}
		if date == "" {
			date = deps.Batch.DefaultDate()
		}

		queued, err := deps.Batch.RetryFailed(r.Context(), date)
		if errors.Is(err, pipeline.ErrInvalidDate) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queueing retries: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, RetryResponse{BatchDate: date, Queued: queued})
	}
}

func handleBatchStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = deps.Batch.DefaultDate()
		}

		runs, err := deps.Batch.Status(r.Context(), date)
		if errors.Is(err, pipeline.ErrInvalidDate) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.BatchRun{}
		}
		writeJSON(w, http.StatusOK, StatusResponse{BatchDate: date, Runs: runs})
	}
}

// requestDate reads the batch date from the query string or, for POST, an
// optional JSON body. The query string wins when both are present.
func requestDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if d := r.URL.Query().Get("date"); d != "" {
		return d, true
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return "", true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return "", false
	}
	return req.Date, true
}
