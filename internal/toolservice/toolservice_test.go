package toolservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/familyassist/orchestrator/internal/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := &store.Store{DB: db}
	return New(st, nil, "test-secret"), mock
}

func TestDispatchStoreInsertsMemory(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	out, err := svc.Dispatch(context.Background(), "trace-1", "user-1", "store", map[string]interface{}{
		"user_id": "user-1",
		"content": "bought milk",
	})
	if err != nil {
		t.Fatalf("Dispatch store: %v", err)
	}
	if out["id"] == nil {
		t.Fatalf("expected an id in store result, got %v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDispatchUnknownToolReturnsToolExecutionError(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Dispatch(context.Background(), "trace-1", "user-1", "not_a_tool", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}

func TestDispatchGetToolSpecsReturnsSignedTable(t *testing.T) {
	svc, _ := newTestService(t)
	out, err := svc.Dispatch(context.Background(), "trace-1", "user-1", "get_tool_specs", nil)
	if err != nil {
		t.Fatalf("Dispatch get_tool_specs: %v", err)
	}
	specs, ok := out["tools"].([]ToolSpec)
	if !ok || len(specs) == 0 {
		t.Fatalf("expected a non-empty tool spec list, got %v", out)
	}
	for _, spec := range specs {
		if err := VerifyToolSpec(spec, "test-secret"); err != nil {
			t.Fatalf("spec %s failed verification: %v", spec.Name, err)
		}
	}
}

func TestHandlerListToolsReturns200WithSignedSpecs(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	g := e.Group("")
	h.Register(g, "")

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Tools []ToolSpec `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Tools) == 0 {
		t.Fatal("expected tools in response body")
	}
}

func TestHandlerRequiresAPIKeyWhenConfigured(t *testing.T) {
	svc, _ := newTestService(t)
	hash, err := HashAPIKey("s3cret-service-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	h := NewHandler(svc)
	e := echo.New()
	h.Register(e.Group(""), hash)

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set("X-Tool-Service-Key", "s3cret-service-key")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct key, got %d", rec.Code)
	}
}

func TestHandlerDispatchUnknownToolReturns200WithErrorEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	g := e.Group("")
	h.Register(g, "")

	req := httptest.NewRequest(http.MethodPost, "/tool/not_a_tool", strings.NewReader(`{"args":{}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200 per the error envelope policy, got %d", rec.Code)
	}
	var body struct {
		Error *errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error == nil {
		t.Fatal("expected an error envelope")
	}
}

func TestDispatchBatchSearchRunsEachItemUnderOneSharedTransaction(t *testing.T) {
	svc, mock := newTestService(t)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "content", "ai_understanding", "type", "thread_id", "category", "person",
		"amount", "occurred_at", "embedding", "created_at", "updated_at",
	})
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.|\n)*FROM memories`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT (.|\n)*FROM memories`).WillReturnRows(rows)
	mock.ExpectCommit()

	out, err := svc.Dispatch(context.Background(), "trace-1", "user-1", "batch_search", map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"user_id": "user-1"},
			map[string]interface{}{"user_id": "user-1"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch batch_search: %v", err)
	}
	results, ok := out["results"].([]map[string]interface{})
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 batch results, got %v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDispatchBatchStoreRollsBackEntirelyWhenOneItemFails(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, ai_understanding FROM memories`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ai_understanding"}))
	mock.ExpectQuery(`(?s)INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectRollback()

	_, err := svc.Dispatch(context.Background(), "trace-1", "user-1", "batch_store", map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"user_id": "user-1", "content": "groceries",
				"ai_data": map[string]interface{}{"external_id": "ext-1"},
			},
			map[string]interface{}{"user_id": "user-1"},
		},
	})
	if err == nil {
		t.Fatal("expected the batch to fail when its second item is missing content")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
