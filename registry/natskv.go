package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/stepherg/omi"
)

const (
	resourcePrefix = "resources."
	samplePrefix   = "samples."
)

var validID = regexp.MustCompile(`^[-_=a-zA-Z0-9]+$`)

// bucket is the subset of jetstream.KeyValue used by KV.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	History(ctx context.Context, key string, opts ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error)
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

type storedResource struct {
	Endpoint string `json:"endpoint"`
	ID       string `json:"id"`
	Path     string `json:"path"`
	Action   string `json:"action"`
	Mode     string `json:"mode,omitempty"`
	Period   string `json:"period,omitempty"`
}

type storedSample struct {
	Value any       `json:"value"`
	At    time.Time `json:"at"`
}

// KV is a registry on a JetStream key-value bucket. Descriptors live under
// resources.<id> and samples under samples.<id>; the bucket history is the
// sample history, so ValueAt only reaches back as far as the bucket keeps
// revisions. Values round-trip through JSON, numbers come back as float64.
type KV struct {
	kv bucket

	mu    sync.RWMutex
	index map[string]omi.ResourceID // endpoint + "|" + path
}

func NewKV(kv jetstream.KeyValue) *KV {
	return newKV(kv)
}

func newKV(kv bucket) *KV {
	return &KV{kv: kv, index: make(map[string]omi.ResourceID)}
}

// OpenKV binds to the named bucket on nc, creating it if needed.
func OpenKV(ctx context.Context, nc *nats.Conn, name string, history uint8) (*KV, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		if history == 0 {
			history = 64
		}
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "O-MI monitored resources and samples",
			History:     history,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return NewKV(kv), nil
}

func checkID(id omi.ResourceID) error {
	if !validID.MatchString(string(id)) {
		return fmt.Errorf("%w: resource id %q is not a valid key token", omi.ErrInvalidPath, id)
	}
	return nil
}

// PutResource stores d as monitored on endpoint, replacing any previous
// descriptor with the same id.
func (r *KV) PutResource(ctx context.Context, endpoint string, d omi.ResourceDescriptor) error {
	if err := checkID(d.ID); err != nil {
		return err
	}
	rec := storedResource{
		Endpoint: endpoint,
		ID:       string(d.ID),
		Path:     d.Path,
		Action:   d.Action.String(),
	}
	if d.Action == omi.ActionRead {
		rec.Mode = d.Mode.String()
		rec.Period = d.Period.String()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, resourcePrefix+string(d.ID), b); err != nil {
		return fmt.Errorf("put resource %s: %w", d.ID, err)
	}
	r.remember(endpoint, d)
	return nil
}

func (r *KV) remember(endpoint string, d omi.ResourceDescriptor) {
	r.mu.Lock()
	r.index[endpoint+"|"+joinPath(d.Segments())] = d.ID
	r.mu.Unlock()
}

// Lookup finds the resource monitored at path on endpoint among the
// descriptors seen by PutResource or Endpoints.
func (r *KV) Lookup(endpoint, path string) (omi.ResourceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.index[endpoint+"|"+joinPath(omi.SplitPath(path))]
	return id, ok
}

func (r *KV) Endpoints(ctx context.Context) ([]omi.Endpoint, error) {
	keys, err := r.kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	byURL := make(map[string]*omi.Endpoint)
	for _, key := range keys {
		if !strings.HasPrefix(key, resourcePrefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		endpoint, d, err := decodeResource(entry.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		if s, ok, err := r.Latest(ctx, d.ID); err == nil && ok {
			at := s.At
			d.LastObserved = &at
		}
		r.remember(endpoint, d)
		ep, ok := byURL[endpoint]
		if !ok {
			ep = &omi.Endpoint{URL: endpoint}
			byURL[endpoint] = ep
		}
		ep.Resources = append(ep.Resources, d)
	}

	out := make([]omi.Endpoint, 0, len(byURL))
	for _, ep := range byURL {
		sort.Slice(ep.Resources, func(i, j int) bool { return ep.Resources[i].ID < ep.Resources[j].ID })
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func decodeResource(b []byte) (string, omi.ResourceDescriptor, error) {
	var rec storedResource
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", omi.ResourceDescriptor{}, err
	}
	action, err := omi.ParseAction(rec.Action)
	if err != nil {
		return "", omi.ResourceDescriptor{}, err
	}
	d := omi.ResourceDescriptor{ID: omi.ResourceID(rec.ID), Path: rec.Path, Action: action}
	if action == omi.ActionRead {
		if d.Mode, err = omi.ParseMode(rec.Mode); err != nil {
			return "", omi.ResourceDescriptor{}, err
		}
		if rec.Period != "" {
			if d.Period, err = time.ParseDuration(rec.Period); err != nil {
				return "", omi.ResourceDescriptor{}, fmt.Errorf("%w: %v", omi.ErrInvalidPeriod, err)
			}
		}
	}
	return rec.Endpoint, d, nil
}

func (r *KV) exists(ctx context.Context, id omi.ResourceID) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := r.kv.Get(ctx, resourcePrefix+string(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", omi.ErrResourceNotFound, id)
	}
	return err
}

// Record appends s to the sample history of id. A zero At is replaced with
// the current time. A sample identical to the latest stored one is not
// appended again; a different value at a stored time shadows the older
// revision in ValueAt.
func (r *KV) Record(ctx context.Context, id omi.ResourceID, s omi.Sample) error {
	if err := r.exists(ctx, id); err != nil {
		return err
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	b, err := json.Marshal(storedSample{Value: s.Value, At: s.At.UTC()})
	if err != nil {
		return fmt.Errorf("encode sample %s: %w", id, err)
	}
	latest, err := r.kv.Get(ctx, samplePrefix+string(id))
	switch {
	case err == nil && bytes.Equal(latest.Value(), b):
		return nil
	case err != nil && !errors.Is(err, jetstream.ErrKeyNotFound):
		return fmt.Errorf("get sample %s: %w", id, err)
	}
	if _, err := r.kv.Put(ctx, samplePrefix+string(id), b); err != nil {
		return fmt.Errorf("put sample %s: %w", id, err)
	}
	return nil
}

func (r *KV) Latest(ctx context.Context, id omi.ResourceID) (omi.Sample, bool, error) {
	if err := checkID(id); err != nil {
		return omi.Sample{}, false, err
	}
	entry, err := r.kv.Get(ctx, samplePrefix+string(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return omi.Sample{}, false, nil
	}
	if err != nil {
		return omi.Sample{}, false, fmt.Errorf("get sample %s: %w", id, err)
	}
	s, err := decodeSample(entry.Value())
	if err != nil {
		return omi.Sample{}, false, fmt.Errorf("decode sample %s: %w", id, err)
	}
	return s, true, nil
}

// ValueAt scans the retained history for the latest sample at or before at.
func (r *KV) ValueAt(ctx context.Context, id omi.ResourceID, at time.Time) (omi.Sample, error) {
	if err := checkID(id); err != nil {
		return omi.Sample{}, err
	}
	history, err := r.kv.History(ctx, samplePrefix+string(id))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return omi.Sample{}, fmt.Errorf("%w: %s at %s", omi.ErrNoSample, id, at)
	}
	if err != nil {
		return omi.Sample{}, fmt.Errorf("history %s: %w", id, err)
	}
	var (
		best  omi.Sample
		found bool
	)
	for _, entry := range history {
		if entry.Operation() != jetstream.KeyValuePut {
			continue
		}
		s, err := decodeSample(entry.Value())
		if err != nil || s.At.After(at) {
			continue
		}
		if !found || !s.At.Before(best.At) {
			best, found = s, true
		}
	}
	if !found {
		return omi.Sample{}, fmt.Errorf("%w: %s at %s", omi.ErrNoSample, id, at)
	}
	return best, nil
}

func decodeSample(b []byte) (omi.Sample, error) {
	var rec storedSample
	if err := json.Unmarshal(b, &rec); err != nil {
		return omi.Sample{}, err
	}
	return omi.Sample{Value: rec.Value, At: rec.At}, nil
}

// Watch follows new samples of id. Only puts made after the call are
// reported.
func (r *KV) Watch(ctx context.Context, id omi.ResourceID) (omi.ChangeSubscription, error) {
	if err := r.exists(ctx, id); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w, err := r.kv.Watch(ctx, samplePrefix+string(id), jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", id, err)
	}
	sub := &kvSub{ch: make(chan omi.ChangeEvent), cancel: cancel, done: make(chan struct{})}
	go sub.run(ctx, id, w)
	return sub, nil
}

type kvSub struct {
	ch     chan omi.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *kvSub) C() <-chan omi.ChangeEvent { return s.ch }

func (s *kvSub) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *kvSub) run(ctx context.Context, id omi.ResourceID, w jetstream.KeyWatcher) {
	defer close(s.done)
	defer close(s.ch)
	defer func() { _ = w.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			smp, err := decodeSample(entry.Value())
			if err != nil {
				continue
			}
			select {
			case s.ch <- omi.ChangeEvent{ID: id, At: smp.At}:
			case <-ctx.Done():
				return
			}
		}
	}
}
