package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"apigen/internal/apierr"
	"apigen/internal/config"
	"apigen/internal/llm"
	"apigen/internal/model"
	"apigen/internal/planner"
	"apigen/internal/registry"
	"apigen/internal/sandbox"
	"apigen/internal/scraper"
	"apigen/internal/shaper"
	"apigen/internal/store"
)

type scriptedClient struct {
	responses []string
	calls     int
}

func (s *scriptedClient) Complete(_ context.Context, _ llm.CompletionRequest) (llm.Completion, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return llm.Completion{Content: s.responses[i], Model: "test-model", TokensUsed: 10}, nil
}

func (s *scriptedClient) Model() string { return "test-model" }

func testPipeline(t *testing.T, client llm.Client) (*Service, *registry.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Scraper.TimeoutMs = 2000
	cfg.Sandbox.ExecutionTimeoutMs = 5000

	st, err := store.Open(filepath.Join(t.TempDir(), "pipe.db"))
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st, "http://127.0.0.1:8080")

	sc := scraper.NewHTTPScraper(cfg.ScrapeTimeout(), false)
	svc := New(
		planner.New(client, cfg, nil),
		sandbox.NewExecutor(sc, cfg, nil),
		shaper.New(client, cfg, nil),
		reg,
		cfg,
		nil,
	)
	return svc, reg
}

func TestGenerateAndPublish_HappyPath(t *testing.T) {
	page := `<html><body><table>
		<tr class="row"><td class="sym">BTC</td><td class="price">45000</td></tr>
		<tr class="row"><td class="sym">ETH</td><td class="price">3200</td></tr>
		</table></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	planJSON := `{
	  "entry": "scrape_data",
	  "sources": [{"record_selector": "tr.row", "fields": {"symbol": {"selector": "td.sym"}, "price": {"selector": "td.price", "type": "number"}}}]
	}`
	shapeJSON := `{"data": [{"symbol": "BTC", "price": 45000}, {"symbol": "ETH", "price": 3200}]}`

	client := &scriptedClient{responses: []string{planJSON, shapeJSON}}
	svc, reg := testPipeline(t, client)

	req := model.ScrapeRequest{
		Description:   "crypto prices",
		DesiredFields: []string{"symbol", "price"},
		TargetURLs:    []string{srv.URL},
		ResponseTemplate: map[string]any{
			"data": []any{map[string]any{"symbol": "", "price": float64(0)}},
		},
	}

	result, err := svc.GenerateAndPublish(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateAndPublish error: %v", err)
	}
	if result.Plan == nil || result.Execution == nil || result.Parsed == nil || result.Endpoint == nil {
		t.Fatalf("expected every artifact set, got %+v", result)
	}
	if !result.Execution.OK || len(result.Execution.Records) != 2 {
		t.Fatalf("unexpected execution: %+v", result.Execution)
	}
	if !strings.HasPrefix(result.Endpoint.EndpointID, "crypto-prices-") {
		t.Fatalf("unexpected endpoint id %q", result.Endpoint.EndpointID)
	}

	rec, err := reg.Get(context.Background(), result.Endpoint.EndpointID)
	if err != nil || rec == nil {
		t.Fatalf("published endpoint not readable: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("expected 2 llm calls, saw %d", client.calls)
	}
}

// An execution with no records stops the pipeline before shaping, and no
// endpoint is registered.
func TestGenerateAndPublish_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><p>nothing tabular here</p></body></html>`)
	}))
	defer srv.Close()

	planJSON := `{
	  "entry": "scrape_data",
	  "sources": [{"record_selector": "tr.row", "fields": {"symbol": {"selector": "td.sym"}}}]
	}`
	client := &scriptedClient{responses: []string{planJSON}}
	svc, reg := testPipeline(t, client)

	req := model.ScrapeRequest{
		Description: "crypto prices",
		TargetURLs:  []string{srv.URL},
	}

	result, err := svc.GenerateAndPublish(context.Background(), req)
	if apierr.KindOf(err) != apierr.KindEmptyData {
		t.Fatalf("expected empty-data error, got %v", err)
	}
	if result.Plan == nil || result.Execution == nil {
		t.Fatal("expected the plan and execution artifacts to survive the failure")
	}
	if result.Parsed != nil || result.Endpoint != nil {
		t.Fatal("no shaped response or endpoint may exist after an empty execution")
	}
	if client.calls != 1 {
		t.Fatalf("shaping must not be called on empty data, saw %d llm calls", client.calls)
	}

	infos, err := reg.List(context.Background())
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no registered endpoints, got %d", len(infos))
	}
}
