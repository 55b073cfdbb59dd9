package api_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/conductor/pkg/agent"
	"github.com/fluxorio/conductor/pkg/api"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
	"github.com/fluxorio/conductor/pkg/orchestrator"
	"github.com/fluxorio/conductor/pkg/registry"
)

type harness struct {
	client *fasthttp.Client
	close  func()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := core.NewDefaultLogger()
	b := bus.New(0, logger)
	reg := registry.New(b, registry.DefaultSweepInterval, logger)

	a := agent.NewFunc("fin-1", "finance", []string{"invoice"}, func(ctx context.Context, task string, sc *bus.SharedContext) (*agent.Result, error) {
		return &agent.Result{
			Records:    []map[string]interface{}{{"total": 42}},
			Summary:    "finance answered",
			Confidence: 0.9,
		}, nil
	})
	if err := reg.Register(context.Background(), a); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	orch := orchestrator.New(b, reg, nil, logger)
	server := api.New(":0", b, reg, orch, logger)

	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: server.Handler()}
	go func() { _ = srv.Serve(ln) }()

	return &harness{
		client: &fasthttp.Client{
			Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
		},
		close: func() {
			_ = ln.Close()
			_ = srv.Shutdown()
		},
	}
}

func (h *harness) do(t *testing.T, method, uri string, body []byte) (int, []byte) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://test" + uri)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if err := h.client.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("%s %s failed: %v", method, uri, err)
	}
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	status, body := h.do(t, "GET", "/health", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if parsed["status"] != "up" {
		t.Errorf("expected up, got %v", parsed["status"])
	}
	for _, key := range []string{"bus", "agents", "orchestrator"} {
		if _, ok := parsed[key]; !ok {
			t.Errorf("health missing %s section", key)
		}
	}
}

func TestAgentEndpoints(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	status, body := h.do(t, "GET", "/agents", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var regs []registry.Registration
	if err := json.Unmarshal(body, &regs); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(regs) != 1 || regs[0].AgentID != "fin-1" {
		t.Errorf("unexpected agents: %+v", regs)
	}

	status, _ = h.do(t, "GET", "/agents/fin-1", nil)
	if status != fasthttp.StatusOK {
		t.Errorf("expected 200 for known agent, got %d", status)
	}
	status, _ = h.do(t, "GET", "/agents/ghost", nil)
	if status != fasthttp.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", status)
	}

	status, body = h.do(t, "GET", "/agents/domain/finance", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if err := json.Unmarshal(body, &regs); err != nil || len(regs) != 1 {
		t.Errorf("expected one finance agent, got %s", body)
	}

	status, body = h.do(t, "GET", "/agents/online", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if err := json.Unmarshal(body, &regs); err != nil || len(regs) != 1 {
		t.Errorf("expected one online agent, got %s", body)
	}
}

func TestQueryEndpoint(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	reqBody, _ := json.Marshal(map[string]string{
		"query":     "what is the invoice total",
		"userId":    "u1",
		"sessionId": "sess1",
	})
	status, body := h.do(t, "POST", "/query", reqBody)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, body)
	}

	var result orchestrator.QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if result.Summary != "finance answered" {
		t.Errorf("unexpected summary %q", result.Summary)
	}
	if len(result.Records) != 1 {
		t.Errorf("expected one record, got %d", len(result.Records))
	}
}

func TestQueryEndpointRejectsBadBody(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	status, _ := h.do(t, "POST", "/query", []byte("not json"))
	if status != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for bad body, got %d", status)
	}

	empty, _ := json.Marshal(map[string]string{"query": ""})
	status, _ = h.do(t, "POST", "/query", empty)
	if status != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for empty query, got %d", status)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	// Drive one query so history has traffic.
	reqBody, _ := json.Marshal(map[string]string{"query": "invoice status"})
	h.do(t, "POST", "/query", reqBody)

	status, body := h.do(t, "GET", "/history?participant=fin-1&limit=5", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var msgs []bus.Message
	if err := json.Unmarshal(body, &msgs); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(msgs) == 0 {
		t.Error("expected recorded messages for fin-1")
	}

	status, _ = h.do(t, "GET", "/history?limit=oops", nil)
	if status != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	status, body := h.do(t, "GET", "/metrics", nil)
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(body) == 0 {
		t.Error("empty metrics exposition")
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	status, _ := h.do(t, "GET", "/nope", nil)
	if status != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}
}
