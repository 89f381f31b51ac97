package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/translate"
)

// PluginOptions configures a Plugin.
type PluginOptions struct {
	GatewayID string
	Handler   omi.ResponseHandler
	Registry  omi.Registry
	// LiveUpdate switches polling and write forwarding on. When false Start
	// only logs that live update is deactivated.
	LiveUpdate bool
	Connector  omi.ConnectorOptions
	// TTL is the envelope time-to-live in seconds, 0 for none.
	TTL      int
	Amount   int
	Terminal string
	Metrics  *Metrics
	Logger   *slog.Logger // optional; defaults to slog.Default()
}

// Plugin owns one connector and scheduler per O-MI node known to the
// registry. It is the explicit context through which a host starts and stops
// monitoring.
type Plugin struct {
	opts   PluginOptions
	logger *slog.Logger

	mu         sync.RWMutex
	schedulers map[string]*Scheduler
	connectors map[string]*Connector
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewPlugin(opts PluginOptions) (*Plugin, error) {
	if opts.Handler == nil {
		return nil, errors.New("plugin: response handler is nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("plugin: registry is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		opts:       opts,
		logger:     logger.With("gateway", opts.GatewayID),
		schedulers: make(map[string]*Scheduler),
		connectors: make(map[string]*Connector),
	}, nil
}

// Start reads the endpoints from the registry, connects to each node in the
// background and registers its resources. Resources that fail validation
// are logged and skipped.
func (p *Plugin) Start(ctx context.Context) error {
	endpoints, err := p.opts.Registry.Endpoints(ctx)
	if err != nil {
		return fmt.Errorf("plugin: list endpoints: %w", err)
	}
	if !p.opts.LiveUpdate {
		p.logger.Warn("live update is deactivated", "endpoints", len(endpoints))
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("plugin: already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, ep := range endpoints {
		if _, exists := p.schedulers[ep.URL]; exists {
			p.logger.Warn("endpoint listed twice, keeping the first", "endpoint", ep.URL)
			continue
		}
		p.logger.Info("O-MI root node identified", "endpoint", ep.URL, "resources", len(ep.Resources))

		connOpts := p.opts.Connector
		if connOpts.Logger == nil {
			connOpts.Logger = p.logger
		}
		conn := NewConnector(ep.URL, p.opts.Handler, connOpts, p.opts.Metrics)
		codec := translate.NewCodec(p.opts.Handler)
		codec.TTL = p.opts.TTL
		sched, err := NewScheduler(conn, codec, p.opts.Registry, SchedulerOptions{
			Endpoint: ep.URL,
			Amount:   p.opts.Amount,
			Terminal: p.opts.Terminal,
			Metrics:  p.opts.Metrics,
			Logger:   p.logger,
		})
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("plugin: %s: %w", ep.URL, err)
		}
		p.connectors[ep.URL] = conn
		p.schedulers[ep.URL] = sched

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := conn.Connect(runCtx); err != nil && !errors.Is(err, omi.ErrConnectorClosed) && !errors.Is(err, context.Canceled) {
				p.logger.Error("connect aborted", "endpoint", conn.URL(), "error", err)
			}
		}()

		for _, r := range ep.Resources {
			if err := sched.Register(r); err != nil {
				p.logger.Error("resource rejected", "endpoint", ep.URL, "resource", string(r.ID), "error", err)
			}
		}
	}
	return nil
}

// Scheduler returns the scheduler for endpoint, if any.
func (p *Plugin) Scheduler(endpoint string) (*Scheduler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.schedulers[endpoint]
	return s, ok
}

// EndpointStatus summarizes one node for the status API.
type EndpointStatus struct {
	URL       string           `json:"url"`
	State     string           `json:"state"`
	Session   string           `json:"session,omitempty"`
	Resources []ResourceStatus `json:"resources"`
}

// Status returns the state of every endpoint sorted by URL.
func (p *Plugin) Status() []EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]EndpointStatus, 0, len(p.schedulers))
	for url, s := range p.schedulers {
		st := EndpointStatus{URL: url, Resources: s.Resources()}
		if c, ok := p.connectors[url]; ok {
			st.State = c.State().String()
			st.Session = c.Session()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Stop stops every scheduler, closing their connectors. It is safe to call
// more than once.
func (p *Plugin) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	schedulers := make([]*Scheduler, 0, len(p.schedulers))
	for _, s := range p.schedulers {
		schedulers = append(schedulers, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range schedulers {
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()
	p.wg.Wait()
}
