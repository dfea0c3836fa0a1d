package desktop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/tollgate/internal/clock"
	"github.com/goodtune/tollgate/internal/focus"
	"github.com/goodtune/tollgate/internal/metrics"
	"github.com/goodtune/tollgate/internal/storage"
	"github.com/goodtune/tollgate/internal/ui"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	dialTimeout    = 10 * time.Second
	writeTimeout   = 5 * time.Second
	maxMessageSize = 1 << 20
)

// ConnState is the push channel state.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Store is the durable state the engine reads and merges into.
type Store interface {
	Load(ctx context.Context) (*storage.State, error)
	Update(ctx context.Context, fn func(*storage.State) error) error
}

// Config holds engine configuration
type Config struct {
	PushURL           string
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	FlushDebounce     time.Duration
	FlushBatchSize    int
	RefreshWindow     time.Duration
	Clock             clock.Clock
}

// Status is a point-in-time view of the connection.
type Status struct {
	State         string `json:"state"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// Engine owns every mutable handle of the sync machinery: the push
// connection, the debounce timer, the flush guard and the refresh limiter.
type Engine struct {
	client    *Client
	store     Store
	sink      ui.Sink
	validator *SnapshotValidator
	cfg       Config
	clock     clock.Clock
	logger    zerolog.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64

	connMu sync.Mutex
	conn   *websocket.Conn

	flushing   atomic.Bool
	debounceMu sync.Mutex
	debounce   *time.Timer
	closed     bool
	baseCtx    context.Context

	refreshGroup   singleflight.Group
	refreshLimiter *rate.Limiter
}

// NewEngine creates a disconnected engine. Call Run to connect.
func NewEngine(client *Client, store Store, sink ui.Sink, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.FlushDebounce <= 0 {
		cfg.FlushDebounce = 2 * time.Second
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 100
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if sink == nil {
		sink = ui.Discard
	}

	validator, err := NewSnapshotValidator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		client:         client,
		store:          store,
		sink:           sink,
		validator:      validator,
		cfg:            cfg,
		clock:          cfg.Clock,
		logger:         logger.With().Str("component", "desktop").Logger(),
		baseCtx:        context.Background(),
		refreshLimiter: rate.NewLimiter(rate.Every(cfg.RefreshWindow), 1),
	}, nil
}

// Client returns the HTTP client used by the engine.
func (e *Engine) Client() *Client {
	return e.client
}

// Connected reports whether the push channel is up.
func (e *Engine) Connected() bool {
	return ConnState(e.state.Load()) == Connected
}

// Status returns the connection state and the last heartbeat echo.
func (e *Engine) Status() Status {
	return Status{
		State:         ConnState(e.state.Load()).String(),
		LastHeartbeat: e.lastHeartbeat.Load(),
	}
}

// Run keeps the push channel connected until ctx is done, waiting
// RetryDelay after every close or failed dial.
func (e *Engine) Run(ctx context.Context) {
	e.debounceMu.Lock()
	e.baseCtx = ctx
	e.debounceMu.Unlock()

	for {
		e.setState(Connecting)
		err := e.connect(ctx)
		e.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}

		e.logger.Warn().Err(err).Dur("retry_in", e.cfg.RetryDelay).Msg("Push channel down")
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryDelay):
		}
	}
}

// Close stops a pending debounced flush. Later ScheduleFlush calls are
// ignored.
func (e *Engine) Close() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	e.closed = true
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func (e *Engine) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, e.cfg.PushURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNetworkUnreachable, e.cfg.PushURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	e.setConn(conn)
	defer func() {
		e.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	e.setState(Connected)
	e.logger.Info().Str("url", e.cfg.PushURL).Msg("Push channel connected")

	go e.heartbeat(connCtx, conn)
	go e.bootstrap(connCtx)

	for {
		var msg Message
		if err := wsjson.Read(connCtx, conn, &msg); err != nil {
			return fmt.Errorf("read push channel: %w", err)
		}
		e.dispatch(connCtx, msg)
	}
}

func (e *Engine) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.write(ctx, conn, Heartbeat{TS: storage.UnixMillis(e.clock.Now())}); err != nil {
				e.logger.Warn().Err(err).Msg("Heartbeat failed, closing push channel")
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// bootstrap reconciles after a connect. Each step assumes the previous one
// landed, so the order is fixed: snapshot, then the outbound queues.
func (e *Engine) bootstrap(ctx context.Context) {
	if err := e.pullSnapshot(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Bootstrap snapshot pull failed")
		return
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Warn().Err(err).Dur("retry_in", e.cfg.RetryDelay).Msg("Bootstrap flush incomplete")
		e.armFlush(e.cfg.RetryDelay)
	}
}

// Send writes one client message on the push channel.
func (e *Engine) Send(ctx context.Context, msg Outbound) error {
	conn := e.currentConn()
	if conn == nil {
		return fmt.Errorf("%w: push channel not connected", ErrNetworkUnreachable)
	}
	return e.write(ctx, conn, msg)
}

// RequestOverride relays a focus override request to the desktop.
func (e *Engine) RequestOverride(ctx context.Context, req focus.OverrideRequest) error {
	return e.Send(ctx, GrantOverride{Kind: req.Kind, Target: req.Target, Reason: req.Reason})
}

func (e *Engine) write(ctx context.Context, conn *websocket.Conn, msg Outbound) error {
	env, err := EncodeOutbound(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, env); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNetworkUnreachable, env.Type, err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, msg Message) {
	in, err := DecodeInbound(msg)
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			metrics.InboundMessages.WithLabelValues("unknown").Inc()
			e.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown push message")
			return
		}
		metrics.InboundMessages.WithLabelValues("invalid").Inc()
		e.logger.Warn().Err(err).Msg("Ignoring malformed push message")
		return
	}
	metrics.InboundMessages.WithLabelValues(msg.Type).Inc()

	now := e.clock.Now()
	var commands []ui.Command

	update := func(fn func(*storage.State) error) {
		if err := e.store.Update(ctx, fn); err != nil {
			e.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to apply push message")
		}
	}

	switch m := in.(type) {
	case HeartbeatEcho:
		e.lastHeartbeat.Store(storage.UnixMillis(now))

	case WalletUpdate:
		update(func(s *storage.State) error {
			if m.Balance < 0 {
				m.Balance = 0
			}
			s.Wallet.Balance = m.Balance
			return nil
		})

	case MarketUpdate:
		update(func(s *storage.State) error {
			for domain, r := range m.Rates {
				domain = normalizeDomain(domain)
				if r.Domain == "" {
					r.Domain = domain
				}
				s.MarketRates[domain] = r
			}
			return nil
		})

	case LibraryUpdate:
		update(func(s *storage.State) error {
			for _, item := range m.Items {
				if _, pending := s.PendingLibrarySync[item.ID]; item.ID == "" || pending {
					continue
				}
				s.Library[item.ID] = item
			}
			return nil
		})

	case SessionUpdate:
		update(func(s *storage.State) error {
			commands = commands[:0]
			merged, err := ApplySessionDelta(s, m.Delta)
			if err != nil {
				e.logger.Warn().Err(err).Str("type", m.Type).Msg("Dropped session from push")
				return nil
			}
			if m.Type == TypeSessionReminder {
				commands = append(commands, ui.Notification{
					Title:   "Session reminder",
					Message: reminderText(merged),
					Actions: []ui.Action{{ID: "end-session", Label: "End session"}},
				})
			}
			return nil
		})

	case SessionEnded:
		update(func(s *storage.State) error {
			commands = commands[:0]
			domain := normalizeDomain(m.Domain)
			if domain == "" {
				return nil
			}
			s.DeleteSession(domain)
			reason := m.Reason
			if reason == "" {
				reason = ui.ReasonSessionEnded
			}
			commands = append(commands, ui.BlockOverlay{Domain: domain, Reason: reason, PeekAllowed: s.Settings.PeekEnabled})
			return nil
		})

	case FocusUpdate:
		update(func(s *storage.State) error {
			ApplyFocusUpdate(s, m, now)
			return nil
		})

	case OverrideGranted:
		update(func(s *storage.State) error {
			ApplyOverride(s, m.FocusOverride, now)
			return nil
		})

	case FocusBlock:
		var mode string
		if state, err := e.store.Load(ctx); err == nil && state.FocusSession != nil {
			mode = state.FocusSession.Mode
		}
		commands = append(commands, ui.FocusBlockOverlay{Domain: m.Target, RemainingMs: m.RemainingMs, Mode: mode, Reason: m.Reason})

	default:
		e.logger.Error().Str("type", msg.Type).Msgf("Unhandled push message %T", in)
	}

	for _, cmd := range commands {
		e.sink.Emit(cmd)
	}
}

func reminderText(s storage.PaywallSession) string {
	if !s.RemainingSeconds.Finite() {
		return fmt.Sprintf("You are still on %s.", s.Domain)
	}
	left := (time.Duration(float64(s.RemainingSeconds)) * time.Second).Round(time.Second)
	return fmt.Sprintf("%s left on %s.", left, s.Domain)
}

func (e *Engine) setState(s ConnState) {
	e.state.Store(int32(s))
	if s == Connected {
		metrics.PushConnected.Set(1)
	} else {
		metrics.PushConnected.Set(0)
	}
}

func (e *Engine) setConn(conn *websocket.Conn) {
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()
}

func (e *Engine) currentConn() *websocket.Conn {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.conn
}
