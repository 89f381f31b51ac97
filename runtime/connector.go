package runtime

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stepherg/omi"
	"github.com/stepherg/omi/translate"
)

// errSendPending reports that a write could not start because another write
// on the same connection was still in flight.
var errSendPending = errors.New("send pending")

// Connector maintains one logical websocket to a remote O-MI node, writes
// request envelopes to it and routes response envelopes by return code.
//
// Sends are at-most-once: while the connector is not connected messages are
// dropped, never queued. Responses are not correlated with requests; every
// 200 response is handed to the ResponseHandler as is.
type Connector struct {
	url     string
	handler omi.ResponseHandler
	opts    omi.ConnectorOptions
	logger  *slog.Logger
	metrics *Metrics
	backoff Backoff

	dialer *websocket.Dialer
	dial   func(ctx context.Context) (*websocket.Conn, error)
	wait   func(ctx context.Context, d time.Duration) error

	// connectMu serializes connect loops so at most one dial is outstanding.
	connectMu sync.Mutex
	attempts  int // guarded by connectMu

	stateMu sync.RWMutex
	state   omi.ConnectionState
	conn    *websocket.Conn
	session string

	writeSem chan struct{}

	listenersMu sync.RWMutex
	listeners   []*eventSub

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnector creates a disconnected connector for url (ws:// or wss://).
// metrics may be nil.
func NewConnector(url string, handler omi.ResponseHandler, opts omi.ConnectorOptions, metrics *Metrics) *Connector {
	def := omi.DefaultConnectorOptions()
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = def.PendingTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connector{
		url:      url,
		handler:  handler,
		opts:     opts,
		logger:   logger.With("endpoint", url),
		metrics:  metrics,
		backoff:  newBackoff(opts.Reconnect),
		writeSem: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		wait:     sleepContext,
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if opts.InsecureSkipVerify {
		c.dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // nodes commonly run self-signed certificates
	}
	c.dial = c.dialWebsocket
	metrics.state(url, omi.StateDisconnected)
	return c
}

func (c *Connector) URL() string                  { return c.url }
func (c *Connector) Handler() omi.ResponseHandler { return c.handler }

func (c *Connector) State() omi.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Session returns the id of the current websocket session, empty when not connected.
func (c *Connector) Session() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.session
}

// Connect opens the websocket. On failure it waits according to the backoff
// policy and tries again; it returns only once connected, when ctx is done
// or when the connector is closed.
func (c *Connector) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	switch c.State() {
	case omi.StateClosed:
		return omi.ErrConnectorClosed
	case omi.StateConnected:
		return nil
	}
	err := c.connectLoop(ctx)
	if err != nil && !errors.Is(err, omi.ErrConnectorClosed) {
		c.setState(omi.StateDisconnected)
	}
	return err
}

// connectLoop must be called with connectMu held.
func (c *Connector) connectLoop(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if !c.setState(omi.StateConnecting) {
		return omi.ErrConnectorClosed
	}
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			c.attempts = 0
			if !c.attach(conn) {
				_ = conn.Close()
				return omi.ErrConnectorClosed
			}
			return nil
		}
		if c.ctx.Err() != nil {
			return omi.ErrConnectorClosed
		}

		c.attempts++
		c.metrics.connectFailed(c.url)
		delay := c.backoff.Delay(c.attempts)
		c.logger.Warn("connect failed", "attempt", c.attempts, "retry_in", delay, "error", err)

		if err := c.wait(ctx, delay); err != nil {
			if c.ctx.Err() != nil {
				return omi.ErrConnectorClosed
			}
			return err
		}
	}
}

func (c *Connector) dialWebsocket(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Auth != nil {
		if v, e := c.opts.Auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(c.opts.MaxMessageSize)
	return conn, nil
}

// attach installs conn as the live connection and starts its read loop.
func (c *Connector) attach(conn *websocket.Conn) bool {
	c.stateMu.Lock()
	if c.state == omi.StateClosed {
		c.stateMu.Unlock()
		return false
	}
	c.conn = conn
	c.session = uuid.NewString()
	c.state = omi.StateConnected
	session := c.session
	c.wg.Add(1)
	c.stateMu.Unlock()

	c.logger.Info("websocket connected", "session", session, "remote", conn.RemoteAddr().String())
	c.metrics.state(c.url, omi.StateConnected)
	c.broadcast(omi.Event{Kind: omi.EventStateChanged, State: omi.StateConnected})
	go c.readLoop(conn)
	return true
}

// detach forgets conn if it is still the live connection and closes it.
func (c *Connector) detach(conn *websocket.Conn) {
	c.stateMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.session = ""
	}
	c.stateMu.Unlock()
	_ = conn.Close()
}

// setState records a transition and publishes it. Nothing leaves StateClosed.
func (c *Connector) setState(s omi.ConnectionState) bool {
	c.stateMu.Lock()
	if c.state == omi.StateClosed {
		c.stateMu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.stateMu.Unlock()

	if changed {
		c.metrics.state(c.url, s)
		c.broadcast(omi.Event{Kind: omi.EventStateChanged, State: s})
	}
	return true
}

func (c *Connector) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		if c.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		if typ != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", typ)
			continue
		}
		c.route(data)
	}
}

func (c *Connector) handleReadError(conn *websocket.Conn, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.detach(conn)

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseAbnormalClosure:
			c.logger.Warn("websocket closed abnormally, reconnecting", "code", ce.Code, "reason", ce.Text)
			c.reconnect()
		case websocket.CloseGoingAway:
			c.logger.Info("websocket shut down by remote node", "code", ce.Code, "reason", ce.Text)
			c.setState(omi.StateDisconnected)
		default:
			c.logger.Warn("websocket closed with unhandled code", "code", ce.Code, "reason", ce.Text)
			c.setState(omi.StateDisconnected)
		}
		return
	}
	c.logger.Warn("websocket transport error, reconnecting", "error", err)
	c.reconnect()
}

func (c *Connector) reconnect() {
	if !c.setState(omi.StateReconnecting) {
		return
	}
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.State() != omi.StateReconnecting {
		return
	}
	if err := c.connectLoop(c.ctx); err != nil && !errors.Is(err, omi.ErrConnectorClosed) {
		c.logger.Error("reconnect aborted", "error", err)
	}
}

// Send writes one envelope. When the connector is not connected the message
// is dropped and ErrNotConnected returned. A write blocked behind another
// in-flight write is retried once; any other failure is logged and returned,
// recovery is left to the read loop and the next scheduling cycle.
func (c *Connector) Send(msg string) error {
	err := c.write(msg)
	if errors.Is(err, errSendPending) {
		err = c.write(msg)
	}
	switch {
	case err == nil:
		c.metrics.sent(c.url)
		return nil
	case errors.Is(err, omi.ErrNotConnected):
		c.logger.Warn("dropping message, connector not connected", "state", c.State().String())
		c.dropped("not_connected")
	case errors.Is(err, errSendPending):
		c.logger.Warn("dropping message, previous send still pending")
		c.dropped("send_pending")
	default:
		c.logger.Error("send failed", "error", err)
		c.dropped("write_error")
	}
	return err
}

func (c *Connector) dropped(reason string) {
	c.metrics.dropped(c.url, reason)
	c.broadcast(omi.Event{Kind: omi.EventDropped, State: c.State(), Payload: reason})
}

func (c *Connector) write(msg string) error {
	c.stateMu.RLock()
	conn, state := c.conn, c.state
	c.stateMu.RUnlock()
	if state != omi.StateConnected || conn == nil {
		return omi.ErrNotConnected
	}

	timer := time.NewTimer(c.opts.PendingTimeout)
	defer timer.Stop()
	select {
	case c.writeSem <- struct{}{}:
	case <-timer.C:
		return errSendPending
	case <-c.ctx.Done():
		return omi.ErrNotConnected
	}
	defer func() { <-c.writeSem }()

	if c.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// route dispatches one inbound frame by its returnCode. It never fails:
// malformed and non-200 responses are logged and dropped.
func (c *Connector) route(data []byte) {
	st := translate.DecodeStatus(data)
	if !st.OK {
		c.logger.Warn("received a malformed O-MI message", "bytes", len(data))
		c.metrics.response(c.url, "malformed")
		c.broadcast(omi.Event{Kind: omi.EventMalformed, State: omi.StateConnected})
		return
	}
	c.metrics.response(c.url, strconv.Itoa(st.Code))
	switch st.Code {
	case http.StatusOK:
		c.dispatch(string(data))
		return
	case http.StatusNotFound:
		c.logger.Warn("path not found or no fresher values")
	case http.StatusBadRequest:
		c.logger.Warn("bad request", "msg", string(data))
	case http.StatusInternalServerError:
		c.logger.Error("node internal error", "msg", string(data))
	default:
		c.logger.Warn("unexpected return code", "code", st.Code)
	}
	c.broadcast(omi.Event{Kind: omi.EventResponse, State: omi.StateConnected, Code: st.Code})
}

func (c *Connector) dispatch(body string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("response handler panicked", "panic", r)
		}
	}()
	c.handler.Parse(body, c.url)
}

// Close stops the transport and moves the connector to StateClosed for
// good. It is idempotent and must not be called from ResponseHandler.Parse.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.stateMu.Lock()
		c.state = omi.StateClosed
		conn := c.conn
		c.conn = nil
		c.session = ""
		c.stateMu.Unlock()

		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
		c.wg.Wait()

		c.logger.Info("connector closed")
		c.metrics.state(c.url, omi.StateClosed)
		c.broadcast(omi.Event{Kind: omi.EventStateChanged, State: omi.StateClosed})

		c.listenersMu.Lock()
		for _, es := range c.listeners {
			es.closeCh()
		}
		c.listeners = nil
		c.listenersMu.Unlock()
	})
	return nil
}

// eventSub is one listener on the connector's status stream.
type eventSub struct {
	ch        chan omi.Event
	owner     *Connector
	closeOnce sync.Once
}

func (e *eventSub) C() <-chan omi.Event { return e.ch }

func (e *eventSub) Close() error {
	e.owner.unsubscribe(e)
	return nil
}

func (e *eventSub) closeCh() { e.closeOnce.Do(func() { close(e.ch) }) }

// Subscribe returns the connector's status events. Events are dropped for
// subscribers that do not keep up.
func (c *Connector) Subscribe(buffer int) omi.EventSubscription {
	es := &eventSub{ch: make(chan omi.Event, buffer), owner: c}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if c.State() == omi.StateClosed && c.listeners == nil {
		es.closeCh()
		return es
	}
	c.listeners = append(c.listeners, es)
	return es
}

func (c *Connector) unsubscribe(es *eventSub) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, l := range c.listeners {
		if l == es {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	es.closeCh()
}

func (c *Connector) broadcast(evt omi.Event) {
	evt.Endpoint = c.url
	evt.OccurredAt = time.Now()
	if evt.Session == "" {
		evt.Session = c.Session()
	}
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, es := range c.listeners {
		select {
		case es.ch <- evt:
		default:
		}
	}
}
