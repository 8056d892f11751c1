package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/handler"
	"github.com/artpromedia/evidence-ledger/internal/health"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func setupLedgerRouter(t *testing.T, repo auditchain.Repository) (*gin.Engine, *auditchain.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ledger := auditchain.NewLedger(repo, nil, zap.NewNop())
	h := handler.NewLedgerHandler(ledger, zap.NewNop())
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, ledger
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAppend_201(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())

	w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries",
		`{"action_type":"UPLOAD","performed_by":"alice","resource_id":"file-1","action_details":{"size":1024,"name":"scan.pdf"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var entry auditchain.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.SubjectID != "doc-1" || entry.PreviousHash != auditchain.NullHash || entry.ChainHash == "" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestAppend_400(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())

	for _, body := range []string{
		`{"performed_by":"alice"}`,
		`{"action_type":"UPLOAD","action_details":[1,2]}`,
		`not json`,
	} {
		w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

type conflictingRepo struct{ *auditchain.MemoryRepository }

func (conflictingRepo) Append(context.Context, *auditchain.Entry) error { return auditchain.ErrConflict }

func TestAppend_409(t *testing.T) {
	router, _ := setupLedgerRouter(t, conflictingRepo{auditchain.NewMemoryRepository()})

	w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"LINK"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

type downRepo struct{ *auditchain.MemoryRepository }

func (downRepo) List(context.Context, auditchain.Filter) ([]*auditchain.Entry, error) {
	return nil, &auditchain.StorageError{Op: "query", Err: errors.New("connection refused")}
}

func TestVerify_503_onStorageFailure(t *testing.T) {
	router, _ := setupLedgerRouter(t, downRepo{auditchain.NewMemoryRepository()})

	w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/verify", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("storage details leaked into the response")
	}
}

func TestListEntries_200(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())
	for _, a := range []string{"UPLOAD", "EXTRACT", "EXTRACT"} {
		if w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"`+a+`"}`); w.Code != http.StatusCreated {
			t.Fatalf("append: %d", w.Code)
		}
	}

	w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/entries?action_type=EXTRACT", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count   int                 `json:"count"`
		Entries []*auditchain.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 || len(resp.Entries) != 2 {
		t.Errorf("expected 2 EXTRACT entries, got %d", resp.Count)
	}

	if w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/entries?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
}

func TestVerify_200(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())
	do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"UPLOAD"}`)
	do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"VALIDATE"}`)

	w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/verify?policy=cascade", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report auditchain.VerificationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 || report.Policy != auditchain.PolicyCascade {
		t.Errorf("unexpected report: %+v", report)
	}

	if w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/verify?policy=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad policy: expected 400, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/verify?signatures=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad signatures flag: expected 400, got %d", w.Code)
	}
}

func TestExport_200_verifiesOffline(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())
	do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"UPLOAD","action_details":{"n":1.50}}`)
	do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"EXTRACT","content":{"total":"12.00"}}`)

	w := do(router, http.MethodGet, "/api/v1/subjects/doc-1/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	check, err := auditchain.VerifyExport(w.Body.Bytes(), nil, auditchain.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !check.Valid() {
		t.Errorf("exported bundle did not verify: %+v", check)
	}
}

func TestGetEntry(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())
	w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"UPLOAD"}`)
	var created auditchain.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	if w := do(router, http.MethodGet, "/api/v1/entries/"+created.ID, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w := do(router, http.MethodGet, "/api/v1/entries/does-not-exist", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestStatistics_200(t *testing.T) {
	router, _ := setupLedgerRouter(t, auditchain.NewMemoryRepository())
	do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"UPLOAD"}`)
	do(router, http.MethodPost, "/api/v1/subjects/doc-2/entries", `{"action_type":"UPLOAD"}`)

	w := do(router, http.MethodGet, "/api/v1/statistics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats auditchain.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 2 || stats.Subjects != 2 || stats.Integrity == nil || stats.Integrity.Rate != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	w = do(router, http.MethodGet, "/api/v1/statistics?subject=doc-1", "")
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 1 {
		t.Errorf("subject stats: %+v", stats)
	}
}

func TestNewRouter_healthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := auditchain.NewLedger(auditchain.NewMemoryRepository(), nil, zap.NewNop())
	handler.Instrument(ledger)
	router := handler.NewRouter(ctx, ledger, handler.RouterConfig{
		CORSOrigins:  []string{"http://localhost:3000"},
		RateLimitRPS: 100,
	}, zap.NewNop())

	w := do(router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}

	if w := do(router, http.MethodPost, "/api/v1/subjects/doc-1/entries", `{"action_type":"UPLOAD"}`); w.Code != http.StatusCreated {
		t.Fatalf("append: expected 201, got %d", w.Code)
	}

	w = do(router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("ledger_appends_total")) {
		t.Error("metrics output lacks ledger_appends_total")
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := do(r, http.MethodGet, "/ping", ""); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := do(r, http.MethodGet, "/ping", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestIntegrityEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := auditchain.NewLedger(auditchain.NewMemoryRepository(), nil, zap.NewNop())
	if _, err := ledger.Append(ctx, auditchain.AppendRequest{SubjectID: "doc-1", ActionType: auditchain.ActionUpload}); err != nil {
		t.Fatal(err)
	}
	checker := health.New(ledger, health.Config{}, zap.NewNop())
	checker.CheckAll(ctx)

	router := handler.NewRouter(ctx, ledger, handler.RouterConfig{Integrity: checker}, zap.NewNop())
	w := do(router, http.MethodGet, "/healthz/integrity", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st health.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Healthy || st.Checked != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}
