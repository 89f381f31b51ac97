package omi

import (
	"context"
	"time"
)

// ResponseHandler is the integrator-supplied capability set used to build
// O-DF fragments and consume successful responses.
type ResponseHandler interface {
	// Parse receives every response whose returnCode is 200.
	Parse(body, sourceURL string)
	// ValueToODF renders the leaf tag for a terminal InfoItem. A nil value
	// produces a read probe.
	ValueToODF(value any, terminal string) string
	// BuildHierarchy wraps segments in nested Object elements around a leaf.
	BuildHierarchy(segments []string, value any, terminal string) string
	// DateFormat is the Go time layout used for begin/end attributes.
	DateFormat() string
}

// Registry is the external store holding resource descriptors and their
// recorded values. Implementations must be safe for concurrent use.
type Registry interface {
	Endpoints(ctx context.Context) ([]Endpoint, error)
	// Latest returns the most recent sample; ok is false if none was recorded.
	Latest(ctx context.Context, id ResourceID) (s Sample, ok bool, err error)
	// ValueAt returns the sample valid at the given instant (last one at or before it).
	ValueAt(ctx context.Context, id ResourceID, at time.Time) (Sample, error)
	Watch(ctx context.Context, id ResourceID) (ChangeSubscription, error)
}

// Recorder stores new samples into the external store.
type Recorder interface {
	Record(ctx context.Context, id ResourceID, s Sample) error
}
