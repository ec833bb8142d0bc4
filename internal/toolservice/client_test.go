package toolservice

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/familyassist/orchestrator/config"
)

func TestClientDispatchRoundTripsThroughTheToolServiceHandler(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()
	mock.ExpectQuery(`INSERT INTO memories`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	h := NewHandler(svc)
	e := echo.New()
	h.Register(e.Group(""), "")
	server := httptest.NewServer(e)
	defer server.Close()

	client := NewClient(config.ToolServiceConfig{URL: server.URL})
	out, err := client.Dispatch(context.Background(), "trace-1", "user-1", "store", map[string]interface{}{
		"user_id": "user-1",
		"content": "bought milk",
	})
	if err != nil {
		t.Fatalf("Client.Dispatch: %v", err)
	}
	if out["id"] == nil {
		t.Fatalf("expected an id in store result, got %v", out)
	}
}

func TestClientListToolsReturnsSignedSpecs(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	h.Register(e.Group(""), "")
	server := httptest.NewServer(e)
	defer server.Close()

	client := NewClient(config.ToolServiceConfig{URL: server.URL})
	specs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("Client.ListTools: %v", err)
	}
	if len(specs) == 0 {
		t.Fatal("expected a non-empty tool spec list")
	}
}

func TestClientDispatchSurfacesAPIKeyRejection(t *testing.T) {
	svc, _ := newTestService(t)
	hash, err := HashAPIKey("s3cret-service-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	h := NewHandler(svc)
	e := echo.New()
	h.Register(e.Group(""), hash)
	server := httptest.NewServer(e)
	defer server.Close()

	client := NewClient(config.ToolServiceConfig{URL: server.URL})
	if _, err := client.Dispatch(context.Background(), "trace-1", "user-1", "get_tool_specs", nil); err == nil {
		t.Fatal("expected dispatch without an API key to fail against a key-gated tool service")
	}

	client = NewClient(config.ToolServiceConfig{URL: server.URL, APIKey: "s3cret-service-key"})
	if _, err := client.Dispatch(context.Background(), "trace-1", "user-1", "get_tool_specs", nil); err != nil {
		t.Fatalf("expected dispatch with the correct API key to succeed: %v", err)
	}
}
