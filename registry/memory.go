// Package registry provides backends for the external resource store: an
// in-process one seeded from configuration and one on a NATS JetStream
// key-value bucket.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stepherg/omi"
)

type memResource struct {
	endpoint string
	desc     omi.ResourceDescriptor
}

// Memory is an in-process registry. Change events go to watchers through
// buffered channels and are dropped for watchers that fall behind.
type Memory struct {
	buffer int

	mu        sync.RWMutex
	order     []string
	resources map[omi.ResourceID]memResource
	samples   map[omi.ResourceID][]omi.Sample
	watchers  map[omi.ResourceID][]*changeSub
}

func NewMemory() *Memory {
	return &Memory{
		buffer:    16,
		resources: make(map[omi.ResourceID]memResource),
		samples:   make(map[omi.ResourceID][]omi.Sample),
		watchers:  make(map[omi.ResourceID][]*changeSub),
	}
}

// AddResource declares d as monitored on endpoint.
func (m *Memory) AddResource(endpoint string, d omi.ResourceDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.resources[d.ID]; exists {
		return fmt.Errorf("%w: %s", omi.ErrDuplicateResource, d.ID)
	}
	known := false
	for _, e := range m.order {
		if e == endpoint {
			known = true
			break
		}
	}
	if !known {
		m.order = append(m.order, endpoint)
	}
	m.resources[d.ID] = memResource{endpoint: endpoint, desc: d}
	return nil
}

// Endpoints lists endpoints in insertion order. Read descriptors carry the
// time of their latest sample as LastObserved.
func (m *Memory) Endpoints(ctx context.Context) ([]omi.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]omi.Endpoint, 0, len(m.order))
	for _, url := range m.order {
		ep := omi.Endpoint{URL: url}
		for _, r := range m.resources {
			if r.endpoint != url {
				continue
			}
			d := r.desc
			if s := m.samples[d.ID]; len(s) > 0 && d.LastObserved == nil {
				at := s[len(s)-1].At
				d.LastObserved = &at
			}
			ep.Resources = append(ep.Resources, d)
		}
		sort.Slice(ep.Resources, func(i, j int) bool { return ep.Resources[i].ID < ep.Resources[j].ID })
		out = append(out, ep)
	}
	return out, nil
}

// Lookup finds the resource monitored at path on endpoint.
func (m *Memory) Lookup(endpoint, path string) (omi.ResourceID, bool) {
	want := joinPath(omi.SplitPath(path))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, r := range m.resources {
		if r.endpoint == endpoint && joinPath(r.desc.Segments()) == want {
			return id, true
		}
	}
	return "", false
}

// Record stores s and notifies the resource's watchers. A zero At is
// replaced with the current time. A sample at an already stored time
// replaces the stored one; recording an identical sample again is a no-op.
func (m *Memory) Record(ctx context.Context, id omi.ResourceID, s omi.Sample) error {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	m.mu.Lock()
	if _, ok := m.resources[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", omi.ErrResourceNotFound, id)
	}
	list := m.samples[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].At.After(s.At) })
	if i > 0 && list[i-1].At.Equal(s.At) {
		if reflect.DeepEqual(list[i-1].Value, s.Value) {
			m.mu.Unlock()
			return nil
		}
		list[i-1] = s
	} else {
		list = append(list, omi.Sample{})
		copy(list[i+1:], list[i:])
		list[i] = s
	}
	m.samples[id] = list
	watchers := append([]*changeSub(nil), m.watchers[id]...)
	m.mu.Unlock()

	evt := omi.ChangeEvent{ID: id, At: s.At}
	for _, w := range watchers {
		w.send(evt)
	}
	return nil
}

func (m *Memory) Latest(ctx context.Context, id omi.ResourceID) (omi.Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.resources[id]; !ok {
		return omi.Sample{}, false, fmt.Errorf("%w: %s", omi.ErrResourceNotFound, id)
	}
	list := m.samples[id]
	if len(list) == 0 {
		return omi.Sample{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *Memory) ValueAt(ctx context.Context, id omi.ResourceID, at time.Time) (omi.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.resources[id]; !ok {
		return omi.Sample{}, fmt.Errorf("%w: %s", omi.ErrResourceNotFound, id)
	}
	list := m.samples[id]
	i := sort.Search(len(list), func(i int) bool { return list[i].At.After(at) })
	if i == 0 {
		return omi.Sample{}, fmt.Errorf("%w: %s at %s", omi.ErrNoSample, id, at)
	}
	return list[i-1], nil
}

// Watch subscribes to new samples of id until ctx is done or the
// subscription is closed.
func (m *Memory) Watch(ctx context.Context, id omi.ResourceID) (omi.ChangeSubscription, error) {
	m.mu.Lock()
	if _, ok := m.resources[id]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", omi.ErrResourceNotFound, id)
	}
	sub := &changeSub{ch: make(chan omi.ChangeEvent, m.buffer)}
	sub.closeFn = func() { m.unwatch(id, sub) }
	m.watchers[id] = append(m.watchers[id], sub)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

func (m *Memory) unwatch(id omi.ResourceID, sub *changeSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.watchers[id]
	for i, w := range list {
		if w == sub {
			m.watchers[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	sub.closeCh()
}

type changeSub struct {
	ch      chan omi.ChangeEvent
	closeFn func()
	stop    func() bool

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (c *changeSub) C() <-chan omi.ChangeEvent { return c.ch }

func (c *changeSub) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		stop := c.stop
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		c.closeFn()
	})
	return nil
}

func (c *changeSub) send(evt omi.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- evt:
	default: /* drop if slow */
	}
}

func (c *changeSub) closeCh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

func joinPath(segs []string) string { return strings.Join(segs, "/") }
