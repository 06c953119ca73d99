package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/me/stepflow/internal/scheduler"
	"github.com/me/stepflow/internal/store"
	"github.com/me/stepflow/pkg/model"
)

func testServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return New(st, logger), st
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.Response {
	t.Helper()
	var resp model.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Status != "ok" {
		t.Errorf("envelope status = %q", resp.Status)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestRequestLogCarriesOwnerID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := New(st, logger)

	doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-log/progress")

	out := buf.String()
	if !strings.Contains(out, "owner_id=run-log") {
		t.Errorf("request log missing owner_id: %q", out)
	}
	if !strings.Contains(out, "request_id=req_") {
		t.Errorf("request log missing request_id: %q", out)
	}
}

func TestProgress(t *testing.T) {
	srv, st := testServer(t)

	records := int64(120)
	err := st.SaveSnapshot(context.Background(), &model.Snapshot{
		OwnerID:      "run-1",
		LatestBatch:  30,
		StepID:       3,
		TotalRecords: &records,
	})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/progress")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeEnvelope(t, rec)
	data, _ := json.Marshal(resp.Data)
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.LatestBatch != 30 || snap.StepID != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestProgress_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/nope/progress")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeEnvelope(t, rec); resp.Error == nil || resp.Error.Code != model.ErrNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestBestValidation(t *testing.T) {
	srv, st := testServer(t)
	ctx := context.Background()

	for batch, loss := range map[int]float64{10: 0.5, 20: 0.3} {
		err := st.RecordValidation(ctx, model.ValidationReport{
			OwnerID: "run-1", LatestBatch: batch, Metrics: map[string]float64{"val_loss": loss},
		})
		if err != nil {
			t.Fatalf("RecordValidation: %v", err)
		}
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/validations/best?metric=val_loss")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	data, _ := json.Marshal(resp.Data)
	var body bestValidationResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Value == nil || *body.Value != 0.3 {
		t.Errorf("best = %v, want 0.3", body.Value)
	}
}

func TestBestValidation_RequiresMetric(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/runs/run-1/validations/best")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestPreempt(t *testing.T) {
	srv, _ := testServer(t)

	gate := &scheduler.Gate{}
	srv.RegisterRun("run-1", gate)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/runs/run-1/preempt")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !gate.ShouldPreempt(true) {
		t.Error("gate should be set after preempt request")
	}
}

func TestPreempt_UnknownRun(t *testing.T) {
	srv, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/runs/ghost/preempt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
