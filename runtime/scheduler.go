package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/translate"
)

// Sender is the transport side of a scheduler; *Connector implements it.
type Sender interface {
	Send(envelope string) error
	Close() error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Endpoint labels logs and metrics; defaults to the connector URL when known.
	Endpoint string
	// Amount is the number of values asked for by newest/oldest reads.
	Amount int
	// Terminal is the InfoItem name appended to every resource path.
	Terminal string
	Metrics  *Metrics
	Logger   *slog.Logger // optional; defaults to slog.Default()
}

// ResourceStatus is a point-in-time view of one registered resource.
type ResourceStatus struct {
	ID       omi.ResourceID `json:"id"`
	Path     string         `json:"path"`
	Action   string         `json:"action"`
	Mode     string         `json:"mode,omitempty"`
	Period   time.Duration  `json:"period,omitempty"`
	Sent     int64          `json:"sent"`
	Dropped  int64          `json:"dropped"`
	LastSent time.Time      `json:"lastSent,omitempty"`
}

type resourceTask struct {
	desc   omi.ResourceDescriptor
	cancel context.CancelFunc

	mu       sync.Mutex
	sent     int64
	dropped  int64
	lastSent time.Time
}

func (t *resourceTask) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.dropped++
		return
	}
	t.sent++
	t.lastSent = time.Now()
}

// Scheduler owns one monitoring task per resource of a single O-MI node:
// a polling loop for every read resource and a change forwarder for every
// write resource. Tasks run independently; there is no ordering between
// resources.
type Scheduler struct {
	sender   Sender
	codec    *translate.Codec
	registry omi.Registry
	opts     SchedulerOptions
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tasks   map[omi.ResourceID]*resourceTask
	stopped bool
}

func NewScheduler(sender Sender, codec *translate.Codec, registry omi.Registry, opts SchedulerOptions) (*Scheduler, error) {
	switch {
	case sender == nil:
		return nil, errors.New("scheduler: sender is nil")
	case codec == nil:
		return nil, errors.New("scheduler: codec is nil")
	case registry == nil:
		return nil, errors.New("scheduler: registry is nil")
	}
	if opts.Amount <= 0 {
		opts.Amount = omi.DefaultPollAmount
	}
	if opts.Endpoint == "" {
		if c, ok := sender.(*Connector); ok {
			opts.Endpoint = c.URL()
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sender:   sender,
		codec:    codec,
		registry: registry,
		opts:     opts,
		logger:   logger.With("endpoint", opts.Endpoint),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[omi.ResourceID]*resourceTask),
	}, nil
}

func validate(d omi.ResourceDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty resource id", omi.ErrInvalidPath)
	}
	if len(d.Segments()) == 0 {
		return fmt.Errorf("%w: %q", omi.ErrInvalidPath, d.Path)
	}
	switch d.Action {
	case omi.ActionRead:
		if !d.Mode.Valid() {
			return fmt.Errorf("%w: %s", omi.ErrUnsupportedMode, d.Mode)
		}
		if d.Period <= 0 {
			return fmt.Errorf("%w: %s", omi.ErrInvalidPeriod, d.Period)
		}
	case omi.ActionWrite:
	default:
		return fmt.Errorf("%w: %s", omi.ErrUnknownAction, d.Action)
	}
	return nil
}

// Register validates d and starts its monitoring task. A resource id can be
// registered once; later registrations are rejected with ErrDuplicateResource.
// The task lives until Unregister or Stop.
func (s *Scheduler) Register(d omi.ResourceDescriptor) error {
	if err := validate(d); err != nil {
		return fmt.Errorf("register %s: %w", d.ID, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return omi.ErrSchedulerStopped
	}
	if _, exists := s.tasks[d.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w", d.ID, omi.ErrDuplicateResource)
	}

	taskCtx, cancel := context.WithCancel(s.ctx)
	task := &resourceTask{desc: d, cancel: cancel}
	logger := s.logger.With("resource", string(d.ID))
	s.tasks[d.ID] = task

	if d.Action == omi.ActionRead {
		logger.Info("scheduling read", "path", d.Path, "mode", d.Mode.String(), "period", d.Period)
		s.wg.Add(1)
		go s.pollLoop(taskCtx, task, logger)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// The id stays reserved while the watch is set up outside the lock.
	sub, err := s.registry.Watch(taskCtx, d.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		err = fmt.Errorf("register %s: watch: %w", d.ID, err)
	case s.stopped:
		err = omi.ErrSchedulerStopped
	case s.tasks[d.ID] != task:
		err = fmt.Errorf("register %s: unregistered while starting: %w", d.ID, omi.ErrResourceNotFound)
	default:
		logger.Info("forwarding writes", "path", d.Path)
		s.wg.Add(1)
		go s.forwardLoop(taskCtx, task, sub, logger)
		return nil
	}
	if sub != nil {
		_ = sub.Close()
	}
	cancel()
	if s.tasks[d.ID] == task {
		delete(s.tasks, d.ID)
	}
	return err
}

// pollLoop issues one read per period until its context is cancelled.
// Cycles of one resource never overlap.
func (s *Scheduler) pollLoop(ctx context.Context, task *resourceTask, logger *slog.Logger) {
	defer s.wg.Done()
	d := task.desc
	var lastObserved time.Time
	if d.LastObserved != nil {
		lastObserved = *d.LastObserved
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		msg, err := s.buildRead(ctx, d, &lastObserved)
		if err != nil {
			logger.Error("cannot build read request", "error", err)
		} else if ctx.Err() == nil {
			err = s.sender.Send(msg)
			task.record(err)
			s.opts.Metrics.request(s.opts.Endpoint, d.Mode)
			if err != nil && !errors.Is(err, omi.ErrNotConnected) {
				logger.Debug("read not sent", "error", err)
			}
		}
		timer.Reset(d.Period)
	}
}

// buildRead produces the envelope for one polling cycle of d.
func (s *Scheduler) buildRead(ctx context.Context, d omi.ResourceDescriptor, lastObserved *time.Time) (string, error) {
	switch d.Mode {
	case omi.ModeNewestUntilNow:
		begin := s.windowStart(ctx, d.ID, *lastObserved)
		*lastObserved = begin
		return s.codec.ReadRange(d.Path, begin, time.Now(), s.opts.Terminal), nil
	case omi.ModeNewest:
		return s.codec.ReadAmount(d.Path, s.opts.Amount, translate.Newest, s.opts.Terminal)
	case omi.ModeOldest:
		return s.codec.ReadAmount(d.Path, s.opts.Amount, translate.Oldest, s.opts.Terminal)
	case omi.ModeContinuous:
		return s.codec.Read(d.Path, s.opts.Terminal), nil
	default:
		return "", fmt.Errorf("%w: %s", omi.ErrUnsupportedMode, d.Mode)
	}
}

// windowStart is the time of the latest stored sample, else the last window
// start seen by this loop, else the Unix epoch.
func (s *Scheduler) windowStart(ctx context.Context, id omi.ResourceID, fallback time.Time) time.Time {
	sample, ok, err := s.registry.Latest(ctx, id)
	switch {
	case err != nil:
		s.logger.Warn("cannot read latest sample", "resource", string(id), "error", err)
	case ok && !sample.At.IsZero():
		return sample.At
	}
	if !fallback.IsZero() {
		return fallback
	}
	return time.Unix(0, 0)
}

// forwardLoop turns registry change notifications into write requests.
func (s *Scheduler) forwardLoop(ctx context.Context, task *resourceTask, sub omi.ChangeSubscription, logger *slog.Logger) {
	defer s.wg.Done()
	defer sub.Close()
	d := task.desc
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				logger.Warn("change feed closed")
				return
			}
			sample, err := s.registry.ValueAt(ctx, d.ID, evt.At)
			if err != nil {
				logger.Warn("cannot fetch changed value", "at", evt.At, "error", err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			err = s.sender.Send(s.codec.Write(d.Path, sample.Value, s.opts.Terminal))
			task.record(err)
			if err == nil {
				s.opts.Metrics.writeForwarded(s.opts.Endpoint)
			}
		}
	}
}

// Unregister cancels the task of id. The id can be registered again afterwards.
func (s *Scheduler) Unregister(id omi.ResourceID) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", id, omi.ErrResourceNotFound)
	}
	task.cancel()
	return nil
}

// Resources returns the registered resources sorted by id.
func (s *Scheduler) Resources() []ResourceStatus {
	s.mu.Lock()
	tasks := make([]*resourceTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]ResourceStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		st := ResourceStatus{
			ID:       t.desc.ID,
			Path:     t.desc.Path,
			Action:   t.desc.Action.String(),
			Sent:     t.sent,
			Dropped:  t.dropped,
			LastSent: t.lastSent,
		}
		t.mu.Unlock()
		if t.desc.Action == omi.ActionRead {
			st.Mode = t.desc.Mode.String()
			st.Period = t.desc.Period
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Endpoint is the node URL this scheduler sends to.
func (s *Scheduler) Endpoint() string { return s.opts.Endpoint }

// Stop cancels every task, waits for them to return and closes the sender.
// Calls after the first are no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if err := s.sender.Close(); err != nil {
		s.logger.Warn("closing connector", "error", err)
	}
	s.logger.Info("scheduler stopped")
}
