package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/conductor/pkg/api"
	"github.com/fluxorio/conductor/pkg/bus"
	"github.com/fluxorio/conductor/pkg/core"
)

func dialTrace(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestTraceBridgeStreamsBusTraffic(t *testing.T) {
	b := bus.New(0, core.NewDefaultLogger())
	bridge := api.NewTraceBridge(b, core.NewDefaultLogger())
	srv := httptest.NewServer(http.HandlerFunc(bridge.HandleWebSocket))
	defer srv.Close()

	b.Subscribe("sink", []string{bus.Wildcard}, func(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
		return nil, nil
	}, bus.PriorityNormal)

	conn := dialTrace(t, srv, "")
	defer conn.Close()

	// Wait for the client registration to land before sending.
	deadline := time.Now().Add(time.Second)
	for bridge.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := b.Send(context.Background(), bus.NewNotification("probe", "sink", "trace.me", "hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Op      string       `json:"op"`
		Message *bus.Message `json:"message"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Op != "message" || ev.Message == nil || ev.Message.Action != "trace.me" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestTraceBridgeParticipantFilter(t *testing.T) {
	b := bus.New(0, core.NewDefaultLogger())
	bridge := api.NewTraceBridge(b, core.NewDefaultLogger())
	srv := httptest.NewServer(http.HandlerFunc(bridge.HandleWebSocket))
	defer srv.Close()

	sink := func(ctx context.Context, msg *bus.Message) (*bus.Message, error) { return nil, nil }
	b.Subscribe("alpha", []string{bus.Wildcard}, sink, bus.PriorityNormal)
	b.Subscribe("beta", []string{bus.Wildcard}, sink, bus.PriorityNormal)

	conn := dialTrace(t, srv, "?participant=beta")
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for bridge.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Send(context.Background(), bus.NewNotification("probe", "alpha", "a.ping", nil))
	b.Send(context.Background(), bus.NewNotification("probe", "beta", "b.ping", nil))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Message *bus.Message `json:"message"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Message.To != "beta" {
		t.Errorf("filter leaked message to %s", ev.Message.To)
	}
}
