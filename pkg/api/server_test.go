package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/gateway"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/types"
)

type fakeSubmitter struct {
	submitErr error
	lastReq   *gateway.Request
}

func (f *fakeSubmitter) Submit(_ context.Context, req *gateway.Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.lastReq = req
	return "eval-1", nil
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, reqs []*gateway.Request) ([]gateway.BatchResult, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	results := make([]gateway.BatchResult, 0, len(reqs))
	for i, req := range reqs {
		if req.Source == "" {
			results = append(results, gateway.BatchResult{
				Err: &gateway.ValidationError{Field: "source", Reason: "required"},
			})
			continue
		}
		results = append(results, gateway.BatchResult{EvalID: "eval-" + string(rune('a'+i))})
	}
	return results, nil
}

type fakeReader struct {
	evals map[string]*types.Evaluation
}

func (f *fakeReader) GetEvaluation(_ context.Context, id string) (*types.Evaluation, error) {
	ev, ok := f.evals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ev, nil
}

type fakeCanceller struct {
	cancelled []string
	err       error
}

func (f *fakeCanceller) Cancel(_ context.Context, evalID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, evalID)
	return nil
}

type harness struct {
	submitter *fakeSubmitter
	reader    *fakeReader
	canceller *fakeCanceller
	checks    map[string]Check
	server    *Server
}

func newHarness() *harness {
	h := &harness{
		submitter: &fakeSubmitter{},
		reader:    &fakeReader{evals: make(map[string]*types.Evaluation)},
		canceller: &fakeCanceller{},
		checks:    make(map[string]Check),
	}
	h.server = NewServer(h.submitter, h.reader, h.canceller, h.checks, "test")
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestSubmitAccepted(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations",
		`{"source":"print(1+1)","runtime":"py","timeout_s":30,"priority":"high"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "eval-1", resp.EvalID)

	require.NotNil(t, h.submitter.lastReq)
	assert.Equal(t, "print(1+1)", h.submitter.lastReq.Source)
	assert.Equal(t, types.PriorityHigh, h.submitter.lastReq.Priority)
}

func TestSubmitMalformedJSON(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", `{"source":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitValidationError(t *testing.T) {
	h := newHarness()
	h.submitter.submitErr = &gateway.ValidationError{Field: "runtime", Reason: "unknown runtime"}

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations",
		`{"source":"x","runtime":"cobol","timeout_s":30}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Error, "runtime")
}

func TestSubmitServiceUnavailable(t *testing.T) {
	h := newHarness()
	h.submitter.submitErr = gateway.ErrServiceUnavailable

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations",
		`{"source":"x","runtime":"py","timeout_s":30}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBatchMixedOutcomes(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations/batch",
		`[{"source":"a","runtime":"py","timeout_s":30},{"source":"","runtime":"py","timeout_s":30}]`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	items := decode[[]BatchItemResponse](t, rec)
	require.Len(t, items, 2)
	assert.NotEmpty(t, items[0].EvalID)
	assert.Empty(t, items[0].Error)
	assert.Empty(t, items[1].EvalID)
	assert.Contains(t, items[1].Error, "source")
}

func TestGetEvaluation(t *testing.T) {
	h := newHarness()
	h.reader.evals["eval-1"] = &types.Evaluation{
		ID:     "eval-1",
		Status: types.StatusCompleted,
		Output: "2\n",
	}

	rec := h.do(t, http.MethodGet, "/api/v1/evaluations/eval-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[types.Evaluation](t, rec)
	assert.Equal(t, types.StatusCompleted, ev.Status)
	assert.Equal(t, "2\n", ev.Output)
}

func TestGetEvaluationNotFound(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/v1/evaluations/eval-ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAccepted(t *testing.T) {
	h := newHarness()
	h.reader.evals["eval-1"] = &types.Evaluation{ID: "eval-1", Status: types.StatusRunning}

	rec := h.do(t, http.MethodDelete, "/api/v1/evaluations/eval-1", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"eval-1"}, h.canceller.cancelled)
}

func TestCancelNotFound(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodDelete, "/api/v1/evaluations/eval-ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.canceller.cancelled)
}

func TestCancelTerminalConflicts(t *testing.T) {
	h := newHarness()
	h.reader.evals["eval-1"] = &types.Evaluation{ID: "eval-1", Status: types.StatusCompleted}

	rec := h.do(t, http.MethodDelete, "/api/v1/evaluations/eval-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.canceller.cancelled)

	resp := decode[ErrorResponse](t, rec)
	assert.Contains(t, resp.Error, "completed")
}

func TestHealth(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestReady(t *testing.T) {
	h := newHarness()
	h.checks["redis"] = func(context.Context) error { return nil }
	h.checks["store"] = func(context.Context) error { return nil }

	rec := h.do(t, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ReadyResponse](t, rec)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["redis"])
}

func TestReadyFailingCheck(t *testing.T) {
	h := newHarness()
	h.checks["redis"] = func(context.Context) error { return nil }
	h.checks["store"] = func(context.Context) error { return assert.AnError }

	rec := h.do(t, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[ReadyResponse](t, rec)
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["redis"])
	assert.Contains(t, resp.Checks["store"], "error")
}
