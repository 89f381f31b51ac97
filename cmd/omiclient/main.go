package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/internal/config"
	"github.com/stepherg/omi/internal/server"
	"github.com/stepherg/omi/registry"
	"github.com/stepherg/omi/runtime"
	"github.com/stepherg/omi/translate"
)

// store is what the client needs from a registry backend.
type store interface {
	omi.Registry
	omi.Recorder
	Lookup(endpoint, path string) (omi.ResourceID, bool)
}

// omiclient: monitors the O-MI nodes listed in its configuration, records
// their values and serves a status API until interrupted.
func main() {
	if err := run(); err != nil {
		slog.Error("omiclient stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	path := os.Getenv("OMI_CONFIG")
	if path == "" {
		path = "omiclient.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reads, err := readResources(ctx, st)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := runtime.NewMetrics(reg)

	handler := translate.ValueHandler{
		BaseHandler: translate.BaseHandler{Probe: cfg.Polling.Probe, Layout: cfg.Polling.DateFormat},
		Logger:      logger,
		OnValue:     recordValue(st, reads, logger),
	}

	connOpts := cfg.ConnectorOptions()
	connOpts.Logger = logger
	plugin, err := runtime.NewPlugin(runtime.PluginOptions{
		GatewayID:  cfg.GatewayID,
		Handler:    handler,
		Registry:   st,
		LiveUpdate: cfg.LiveUpdate,
		Connector:  connOpts,
		TTL:        cfg.Polling.TTL,
		Amount:     cfg.Polling.Amount,
		Terminal:   cfg.Polling.Terminal,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := plugin.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	_, errCh, err := server.StartStatusServer(gctx, server.StatusConfig{
		ListenAddr: cfg.Status.Addr,
		Source:     plugin,
		Recorder:   st,
		Gatherer:   reg,
		Logger:     logger,
	})
	if err != nil {
		plugin.Stop()
		return fmt.Errorf("start status API: %w", err)
	}
	g.Go(func() error {
		if err := <-errCh; err != nil {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		plugin.Stop()
		return nil
	})
	logger.Info("omiclient running", "gateway", cfg.GatewayID, "status_addr", cfg.Status.Addr, "registry", cfg.Registry.Backend)
	return g.Wait()
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// openStore builds the configured registry backend and seeds it with the
// resources listed in the configuration.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	switch cfg.Registry.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Registry.NATS.URL,
			nats.Name("omiclient"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		kv, err := registry.OpenKV(openCtx, nc, cfg.Registry.NATS.Bucket, cfg.Registry.NATS.History)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		for _, ep := range cfg.Endpoints {
			ds, _ := ep.Descriptors()
			for _, d := range ds {
				if err := kv.PutResource(openCtx, ep.URL, d); err != nil {
					nc.Close()
					return nil, nil, err
				}
			}
		}
		return kv, func() { _ = nc.Drain() }, nil
	default:
		mem := registry.NewMemory()
		for _, ep := range cfg.Endpoints {
			ds, _ := ep.Descriptors()
			for _, d := range ds {
				if err := mem.AddResource(ep.URL, d); err != nil {
					logger.Warn("resource listed twice, keeping the first", "endpoint", ep.URL, "resource", string(d.ID))
				}
			}
		}
		return mem, func() {}, nil
	}
}

// readResources collects the ids of read resources; only their values are
// recorded from responses, so a write resource never feeds back into itself.
func readResources(ctx context.Context, st store) (map[omi.ResourceID]bool, error) {
	eps, err := st.Endpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	out := make(map[omi.ResourceID]bool)
	for _, ep := range eps {
		for _, d := range ep.Resources {
			if d.Action == omi.ActionRead {
				out[d.ID] = true
			}
		}
	}
	return out, nil
}

func recordValue(st store, reads map[omi.ResourceID]bool, logger *slog.Logger) func(string, translate.Value) {
	return func(sourceURL string, v translate.Value) {
		id, ok := st.Lookup(sourceURL, v.Path+"/"+v.InfoItem)
		if !ok {
			id, ok = st.Lookup(sourceURL, v.Path)
		}
		if !ok || !reads[id] {
			logger.Debug("value for unmonitored path", "endpoint", sourceURL, "path", v.Path, "item", v.InfoItem)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := st.Record(ctx, id, omi.Sample{Value: v.Typed(), At: v.Time})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("cannot record value", "resource", string(id), "error", err)
		}
	}
}
