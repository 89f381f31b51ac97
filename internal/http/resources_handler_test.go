package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/registry"
	"github.com/stepherg/omi/runtime"
)

type staticStatus []runtime.EndpointStatus

func (s staticStatus) Status() []runtime.EndpointStatus { return s }

func TestResourcesHandlerEmpty(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/resources", nil)
	ResourcesHandler(staticStatus{})(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content-type %q", ct)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestResourcesHandlerCounts(t *testing.T) {
	src := staticStatus{
		{URL: "ws://a/omi", State: "connected", Resources: []runtime.ResourceStatus{{ID: "r1"}, {ID: "r2"}}},
		{URL: "ws://b/omi", State: "connecting", Resources: []runtime.ResourceStatus{{ID: "r3"}}},
	}
	rr := httptest.NewRecorder()
	ResourcesHandler(src)(rr, httptest.NewRequest(http.MethodGet, "/api/resources", nil))

	var out struct {
		Endpoints []runtime.EndpointStatus `json:"endpoints"`
		Count     int                      `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 3 || len(out.Endpoints) != 2 {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if out.Endpoints[1].State != "connecting" {
		t.Fatalf("expected state connecting, got %s", out.Endpoints[1].State)
	}
}

func postValue(t *testing.T, rec omi.Recorder, id, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/resources/"+id+"/value", strings.NewReader(body))
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	ValueHandler(rec)(rr, req)
	return rr
}

func TestValueHandlerRecords(t *testing.T) {
	mem := registry.NewMemory()
	if err := mem.AddResource("ws://a/omi", omi.ResourceDescriptor{ID: "sp", Path: "K1/Setpoint", Action: omi.ActionWrite}); err != nil {
		t.Fatalf("add: %v", err)
	}

	rr := postValue(t, mem, "sp", `{"value": 21, "at": "2017-03-01T10:00:00Z"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rr.Code, rr.Body.String())
	}
	s, ok, err := mem.Latest(context.Background(), "sp")
	if err != nil || !ok {
		t.Fatalf("expected a sample, ok=%v err=%v", ok, err)
	}
	if s.Value != int64(21) {
		t.Fatalf("expected int64 21, got %T %v", s.Value, s.Value)
	}
	if !s.At.Equal(time.Date(2017, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time %s", s.At)
	}

	rr = postValue(t, mem, "sp", `{"value": 21.5}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rr.Code)
	}
	s, _, _ = mem.Latest(context.Background(), "sp")
	if s.Value != 21.5 {
		t.Fatalf("expected float 21.5, got %T %v", s.Value, s.Value)
	}
}

func TestValueHandlerErrors(t *testing.T) {
	mem := registry.NewMemory()
	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"unknown resource", "nope", `{"value": 1}`, http.StatusNotFound},
		{"bad json", "nope", `{"value":`, http.StatusBadRequest},
		{"missing value", "nope", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postValue(t, mem, tt.id, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected %d got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"error"`) {
				t.Fatalf("expected an error body, got %s", rr.Body.String())
			}
		})
	}
}
