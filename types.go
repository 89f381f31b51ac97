package omi

import (
	"fmt"
	"strings"
	"time"
)

type ResourceID string

// Action tells whether a resource is polled from the node or pushed to it.
type Action int

const (
	ActionRead Action = iota + 1
	ActionWrite
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps the registry's textual action onto an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return ActionRead, nil
	case "write":
		return ActionWrite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Mode selects the read request issued on every polling cycle.
type Mode int

const (
	ModeContinuous Mode = iota + 1
	ModeNewestUntilNow
	ModeNewest
	ModeOldest
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeNewestUntilNow:
		return "newest_until_now"
	case ModeNewest:
		return "newest"
	case ModeOldest:
		return "oldest"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the known read modes.
func (m Mode) Valid() bool {
	return m >= ModeContinuous && m <= ModeOldest
}

// ParseMode maps the registry's textual mode onto a Mode. An empty string
// means a plain periodic probe.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continuous":
		return ModeContinuous, nil
	case "newest_until_now":
		return ModeNewestUntilNow, nil
	case "newest":
		return ModeNewest, nil
	case "oldest":
		return ModeOldest, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// ResourceDescriptor identifies one monitored point on a remote node.
type ResourceDescriptor struct {
	ID     ResourceID
	Path   string
	Action Action
	// Mode and Period only apply to read resources.
	Mode   Mode
	Period time.Duration
	// LastObserved seeds the begin of the first newest_until_now window.
	LastObserved *time.Time
}

// Segments splits Path on '/' and drops empty segments.
func (d ResourceDescriptor) Segments() []string {
	return SplitPath(d.Path)
}

// SplitPath splits a slash-delimited O-DF path into its non-empty segments.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Endpoint groups the resources monitored on one remote O-MI node.
type Endpoint struct {
	URL       string
	Resources []ResourceDescriptor
}

// Sample is one recorded value of a resource.
type Sample struct {
	Value any
	At    time.Time
}

// ChangeEvent notifies that a new sample was recorded for a resource.
type ChangeEvent struct {
	ID ResourceID
	At time.Time
}

type ChangeSubscription interface {
	C() <-chan ChangeEvent
	Close() error
}

// ConnectionState is the lifecycle state of a connector.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventDropped      EventKind = "dropped"
	EventResponse     EventKind = "response"
	EventMalformed    EventKind = "malformed"
)

// Event is published on a connector's status stream.
type Event struct {
	Kind       EventKind
	Endpoint   string
	Session    string
	State      ConnectionState
	Code       int
	OccurredAt time.Time
	Payload    interface{}
}

type EventSubscription interface {
	C() <-chan Event
	Close() error
}
