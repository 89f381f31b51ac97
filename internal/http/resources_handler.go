package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/runtime"
)

// StatusSource reports the endpoints being monitored; *runtime.Plugin implements it.
type StatusSource interface {
	Status() []runtime.EndpointStatus
}

// ResourcesHandler serves a snapshot of every endpoint, its connection state
// and per-resource counters.
func ResourcesHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoints := src.Status()
		out := struct {
			Endpoints []runtime.EndpointStatus `json:"endpoints"`
			Count     int                      `json:"count"`
			At        time.Time                `json:"at"`
		}{Endpoints: endpoints, At: time.Now().UTC()}
		for _, ep := range endpoints {
			out.Count += len(ep.Resources)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type valueRequest struct {
	Value any        `json:"value"`
	At    *time.Time `json:"at,omitempty"`
}

// ValueHandler records a value for the resource named by the {id} path
// wildcard. For write resources this is what triggers a write to the node.
func ValueHandler(rec omi.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := omi.ResourceID(r.PathValue("id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing resource id")
			return
		}
		var req valueRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		if req.Value == nil {
			writeError(w, http.StatusBadRequest, "value is required")
			return
		}
		s := omi.Sample{Value: jsonValue(req.Value)}
		if req.At != nil {
			s.At = *req.At
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := rec.Record(ctx, id, s); err != nil {
			switch {
			case errors.Is(err, omi.ErrResourceNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, omi.ErrInvalidPath):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "recorded": true})
	}
}

// jsonValue turns json.Number into int64 when integral, float64 otherwise, so
// the O-DF writer picks a numeric type.
func jsonValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// PreflightHandler answers CORS preflight requests.
func PreflightHandler(w http.ResponseWriter, r *http.Request) {
	writeCORS(w)
	w.WriteHeader(http.StatusNoContent)
}
