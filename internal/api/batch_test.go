package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

const testToken = "test-token-12345"

type mockBatchRunner struct {
	runFn    func(ctx context.Context, date string) (pipeline.Report, error)
	retryFn  func(ctx context.Context, date string) (int, error)
	statusFn func(ctx context.Context, date string) ([]storage.BatchRun, error)

	gotDate string
}

func (m *mockBatchRunner) Run(ctx context.Context, date string) (pipeline.Report, error) {
	m.gotDate = date
	if m.runFn != nil {
		return m.runFn(ctx, date)
	}
	return pipeline.Report{Success: true, BatchDate: date, Outcome: pipeline.OutcomeCompleted, Results: []pipeline.RelationshipResult{}}, nil
}

func (m *mockBatchRunner) RetryFailed(ctx context.Context, date string) (int, error) {
	m.gotDate = date
	if m.retryFn != nil {
		return m.retryFn(ctx, date)
	}
	return 0, nil
}

func (m *mockBatchRunner) Status(ctx context.Context, date string) ([]storage.BatchRun, error) {
	m.gotDate = date
	if m.statusFn != nil {
		return m.statusFn(ctx, date)
	}
	return nil, nil
}

func (m *mockBatchRunner) DefaultDate() string { return "2025-02-28" }

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env.Error.Type, env.Error.Message
}

func TestHealth(t *testing.T) {
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"status":"ok"}` {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tandem_batch_runs_total 1\n")
	})
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}, Metrics: metrics})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tandem_batch_runs_total") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestRunBatch_RequiresToken(t *testing.T) {
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}, Token: testToken})

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/run", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if typ, _ := decodeError(t, rr); typ != "authentication_error" {
			t.Errorf("token %q: error type = %q", token, typ)
		}
	}
}

func TestRunBatch_NoTokenConfigured(t *testing.T) {
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/run", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
}

func TestRunBatch_DateSources(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   string
	}{
		{"post body", http.MethodPost, "/batch/run", `{"date":"2025-03-01"}`, "2025-03-01"},
		{"post empty body", http.MethodPost, "/batch/run", "", ""},
		{"post empty object", http.MethodPost, "/batch/run", `{}`, ""},
		{"get query", http.MethodGet, "/batch/run?date=2025-03-02", "", "2025-03-02"},
		{"query wins", http.MethodPost, "/batch/run?date=2025-03-03", `{"date":"2025-03-01"}`, "2025-03-03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockBatchRunner{}
			h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(tt.method, tt.url, tt.body, testToken))
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
			}
			if runner.gotDate != tt.want {
				t.Errorf("date = %q, want %q", runner.gotDate, tt.want)
			}
		})
	}
}

func TestRunBatch_InvalidBody(t *testing.T) {
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/run", `{"date":`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestRunBatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"invalid date", fmt.Errorf("%w \"03/01\": expected YYYY-MM-DD", pipeline.ErrInvalidDate), http.StatusBadRequest, "invalid_request_error"},
		{"in progress", storage.ErrRunInProgress, http.StatusConflict, "conflict_error"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockBatchRunner{runFn: func(context.Context, string) (pipeline.Report, error) {
				return pipeline.Report{}, tt.err
			}}
			h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/run", "", testToken))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if typ, _ := decodeError(t, rr); typ != tt.wantType {
				t.Errorf("error type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestRunBatch_FatalReturns503WithReport(t *testing.T) {
	runner := &mockBatchRunner{runFn: func(_ context.Context, date string) (pipeline.Report, error) {
		return pipeline.Report{
			BatchDate: date,
			Outcome:   pipeline.OutcomeFailed,
			Message:   "eligibility source unavailable",
			Fatal:     true,
		}, nil
	}}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/run", `{"date":"2025-03-01"}`, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if body["message"] != "eligibility source unavailable" {
		t.Errorf("message = %v", body["message"])
	}
	if _, ok := body["Fatal"]; ok {
		t.Error("internal Fatal flag leaked into body")
	}
}

func TestRunBatch_AlreadyProcessed(t *testing.T) {
	runner := &mockBatchRunner{runFn: func(_ context.Context, date string) (pipeline.Report, error) {
		return pipeline.Report{
			Success:          true,
			BatchDate:        date,
			Outcome:          pipeline.OutcomeAlreadyProcessed,
			AlreadyProcessed: true,
			Results:          []pipeline.RelationshipResult{},
		}, nil
	}}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/batch/run?date=2025-03-01", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var report pipeline.Report
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if !report.Success || !report.AlreadyProcessed || report.BatchDate != "2025-03-01" {
		t.Errorf("report = %+v", report)
	}
}

func TestRetryBatch(t *testing.T) {
	runner := &mockBatchRunner{retryFn: func(context.Context, string) (int, error) { return 2, nil }}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/retry", `{"date":"2025-03-01"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	var resp RetryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.BatchDate != "2025-03-01" || resp.Queued != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRetryBatch_DefaultsToYesterday(t *testing.T) {
	runner := &mockBatchRunner{}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/retry", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if runner.gotDate != "2025-02-28" {
		t.Errorf("date = %q, want default", runner.gotDate)
	}
}

func TestRetryBatch_InvalidDate(t *testing.T) {
	runner := &mockBatchRunner{retryFn: func(context.Context, string) (int, error) {
		return 0, pipeline.ErrInvalidDate
	}}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batch/retry", `{"date":"yesterday"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestBatchStatus(t *testing.T) {
	runner := &mockBatchRunner{statusFn: func(_ context.Context, date string) ([]storage.BatchRun, error) {
		return []storage.BatchRun{
			{ID: "run-1", BatchDate: date, RelationshipID: "R1", Status: storage.RunCompleted, EntriesProcessed: 2},
			{ID: "run-2", BatchDate: date, RelationshipID: "R2", Status: storage.RunFailed, ErrorMessage: "boom"},
		}, nil
	}}
	h := NewAppHandler(AppDeps{Batch: runner, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/batch/status?date=2025-03-01", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.BatchDate != "2025-03-01" || len(resp.Runs) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Runs[1].ErrorMessage != "boom" {
		t.Errorf("runs[1].ErrorMessage = %q", resp.Runs[1].ErrorMessage)
	}
}

func TestBatchStatus_EmptyIsArray(t *testing.T) {
	h := NewAppHandler(AppDeps{Batch: &mockBatchRunner{}, Token: testToken})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/batch/status", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"runs":[]`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}
