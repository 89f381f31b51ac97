package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/registry"
	"github.com/stepherg/omi/runtime"
)

type staticStatus []runtime.EndpointStatus

func (s staticStatus) Status() []runtime.EndpointStatus { return s }

func TestHandlerRoutes(t *testing.T) {
	mem := registry.NewMemory()
	if err := mem.AddResource("ws://a/omi", omi.ResourceDescriptor{ID: "sp", Path: "K", Action: omi.ActionWrite}); err != nil {
		t.Fatalf("add: %v", err)
	}
	reg := prometheus.NewRegistry()
	runtime.NewMetrics(reg)

	srv := httptest.NewServer(Handler(StatusConfig{
		Source:   staticStatus{{URL: "ws://a/omi", State: "connected"}},
		Recorder: mem,
		Gatherer: reg,
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/resources")
	if err != nil {
		t.Fatalf("get resources: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ws://a/omi") {
		t.Fatalf("unexpected resources response %d %s", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/api/resources/sp/value", "application/json", strings.NewReader(`{"value":"eco"}`))
	if err != nil {
		t.Fatalf("post value: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.StatusCode)
	}
	if s, ok, _ := mem.Latest(context.Background(), "sp"); !ok || s.Value != "eco" {
		t.Fatalf("value not recorded: %+v", s)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/resources/sp/value")
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", resp.StatusCode)
	}
}

func TestHandlerWithoutOptionalRoutes(t *testing.T) {
	srv := httptest.NewServer(Handler(StatusConfig{Source: staticStatus{}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
}

func TestStartStatusServer(t *testing.T) {
	if _, _, err := StartStatusServer(context.Background(), StatusConfig{}); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, errCh, err := StartStatusServer(ctx, StatusConfig{ListenAddr: "127.0.0.1:0", Source: staticStatus{}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			t.Fatalf("unexpected server error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
