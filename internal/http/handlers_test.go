package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"apigen/internal/config"
	"apigen/internal/model"
	"apigen/internal/registry"
	"apigen/internal/store"
)

func testServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "srv.db"))
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st, "http://127.0.0.1:8080")
	return NewServer(config.Default(), reg, nil), reg
}

func publish(t *testing.T, reg *registry.Registry, description string) *model.EndpointInfo {
	t.Helper()
	info, err := reg.Create(context.Background(), &model.ParsedResponse{
		Data: map[string]any{
			"data": []any{map[string]any{"symbol": "BTC", "price": float64(45000)}},
		},
		Meta: model.ParseMeta{
			RecordsParsed:   1,
			FieldsExtracted: []string{"price", "symbol"},
			DataSources:     []string{"https://example.invalid/crypto"},
			Timestamp:       time.Now().UTC(),
		},
	}, description)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return info
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode body %q: %v", body, err)
	}
	return out
}

func TestHealthRoute(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/health", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "healthy" || body["service"] != "api-endpoint-server" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestDataRoute_HitAndContentType(t *testing.T) {
	srv, reg := testServer(t)
	info := publish(t, reg, "crypto prices")

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/"+info.EndpointID, nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json, got %q", ct)
	}
	body := decodeBody(t, resp)
	if _, ok := body["data"]; !ok {
		t.Fatalf("expected the registered object, got %v", body)
	}
}

func TestDataRoute_MetadataWrapper(t *testing.T) {
	srv, reg := testServer(t)
	info := publish(t, reg, "crypto prices")

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/"+info.EndpointID+"?metadata=true", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body := decodeBody(t, resp)
	for _, key := range []string{"data", "metadata", "endpoint_id", "created_at"} {
		if _, ok := body[key]; !ok {
			t.Fatalf("expected %q in wrapped response, got %v", key, body)
		}
	}
	if body["endpoint_id"] != info.EndpointID {
		t.Fatalf("endpoint_id mismatch: %v", body["endpoint_id"])
	}
}

func TestDataRoute_Miss(t *testing.T) {
	srv, _ := testServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/does-not-exist", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected application/json error body, got %q", ct)
	}
	body := decodeBody(t, resp)
	if body["error"] != "Endpoint not found" || body["endpoint_id"] != "does-not-exist" {
		t.Fatalf("unexpected 404 body: %v", body)
	}
}

func TestListRoute(t *testing.T) {
	srv, reg := testServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/endpoints", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body := decodeBody(t, resp)
	if endpoints, ok := body["endpoints"].([]any); !ok || len(endpoints) != 0 {
		t.Fatalf("expected empty endpoints array, got %v", body)
	}

	publish(t, reg, "crypto prices")
	publish(t, reg, "weather berlin")

	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/endpoints", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body = decodeBody(t, resp)
	endpoints, ok := body["endpoints"].([]any)
	if !ok || len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %v", body)
	}
}

func TestDeleteRoute(t *testing.T) {
	srv, reg := testServer(t)
	info := publish(t, reg, "crypto prices")

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodDelete, "/api/endpoints/"+info.EndpointID, nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["message"] != "Endpoint deleted successfully" {
		t.Fatalf("unexpected delete body: %v", body)
	}

	// The served route observes the delete immediately.
	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/"+info.EndpointID, nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}

	resp, err = srv.App().Test(httptest.NewRequest(http.MethodDelete, "/api/endpoints/"+info.EndpointID, nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for double delete, got %d", resp.StatusCode)
	}
}

// Creation is observable to the very next request without any server restart.
func TestCreateThenReadConsistency(t *testing.T) {
	srv, reg := testServer(t)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/future-0001", nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before create, got %d", resp.StatusCode)
	}

	info := publish(t, reg, "crypto prices")

	resp, err = srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/data/"+info.EndpointID, nil), -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 right after create, got %d", resp.StatusCode)
	}
}

func TestBindListener_Fallback(t *testing.T) {
	// Occupy a port, then ask BindListener to start from it: the fallback
	// walks forward to the next free port.
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	defer taken.Close()
	takenPort := taken.Addr().(*net.TCPAddr).Port

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = takenPort

	ln, port, err := BindListener(cfg)
	if err != nil {
		t.Fatalf("BindListener error: %v", err)
	}
	defer ln.Close()
	if port == takenPort {
		t.Fatalf("expected fallback past occupied port %d", takenPort)
	}
	if port < takenPort || port > takenPort+cfg.Server.FallbackAttempts {
		t.Fatalf("fallback port %d outside expected range from %d", port, takenPort)
	}
}
