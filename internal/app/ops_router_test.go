package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/health"
	"github.com/vladislavdragonenkov/shopcore/internal/service/reconcile"
	"github.com/vladislavdragonenkov/shopcore/internal/storage/memory"
)

type stubReplayer struct {
	report reconcile.ReplayReport
	err    error
	calls  int
}

func (s *stubReplayer) ReplayOnce(context.Context) (reconcile.ReplayReport, error) {
	s.calls++
	return s.report, s.err
}

func newTestRouter(t *testing.T, failures domain.ReconciliationFailureRepository, replayer replayRunner) http.Handler {
	t.Helper()
	h := health.NewHandler("test")
	h.RegisterChecker("backlog", health.NewBacklogChecker("backlog", failures.CountPending, 0))
	return NewOpsRouter(OpsRouterConfig{
		Health:   h,
		Failures: failures,
		Replayer: replayer,
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
	})
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestOpsRouterProbes(t *testing.T) {
	router := newTestRouter(t, memory.NewReconciliationFailureRepository(), &stubReplayer{})

	rec := serve(router, http.MethodGet, "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = serve(router, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"backlog"`)

	rec = serve(router, http.MethodGet, "/metrics")
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestOpsRouterListsPendingReconciliations(t *testing.T) {
	ctx := context.Background()
	failures := memory.NewReconciliationFailureRepository()
	_, err := failures.Record(ctx, domain.FailedReconciliation{
		OrderID:       "order-1",
		PaymentNumber: "PAY-1",
		Outcome:       domain.PaymentOutcomeSuccess,
		Reason:        "status conflict",
		Attempts:      5,
	})
	require.NoError(t, err)

	router := newTestRouter(t, failures, &stubReplayer{})

	rec := serve(router, http.MethodGet, "/ops/reconciliations/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int           `json:"count"`
		Items []failureView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "PAY-1", body.Items[0].PaymentNumber)
	assert.Equal(t, "SUCCESS", body.Items[0].Outcome)
	assert.Equal(t, "pending", body.Items[0].Status)
	assert.Equal(t, 5, body.Items[0].Attempts)

	// pending запись делает сервис degraded, но не unready
	rec = serve(router, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodGet, "/ops/reconciliations/?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpsRouterManualReplay(t *testing.T) {
	replayer := &stubReplayer{report: reconcile.ReplayReport{Scanned: 3, Resolved: 2, Pending: 1}}
	router := newTestRouter(t, memory.NewReconciliationFailureRepository(), replayer)

	rec := serve(router, http.MethodPost, "/ops/reconciliations/replay")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, replayer.calls)

	var report map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, map[string]int{"scanned": 3, "resolved": 2, "pending": 1}, report)

	rec = serve(router, http.MethodGet, "/ops/reconciliations/replay")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	replayer.err = errors.New("boom")
	rec = serve(router, http.MethodPost, "/ops/reconciliations/replay")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}
