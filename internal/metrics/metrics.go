package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ticker metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_ticks_total",
			Help: "Total ticker passes by outcome",
		},
		[]string{"outcome"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tollgate_tick_duration_seconds",
			Help:    "Duration of a full ticker pass",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	CoinsSpent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_coins_spent_total",
			Help: "Coins spent locally by session mode",
		},
		[]string{"mode"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_sessions_ended_total",
			Help: "Paywall sessions ended by mode and reason",
		},
		[]string{"mode", "reason"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_active_sessions",
			Help: "Number of paywall sessions in local state",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tollgate_queue_depth",
			Help: "Entries waiting in each pending queue",
		},
		[]string{"queue"},
	)

	QueueDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_queue_dropped_total",
			Help: "Entries dropped from a full pending queue",
		},
		[]string{"queue"},
	)

	// Sync metrics
	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_flush_total",
			Help: "Queue flush attempts by queue and result",
		},
		[]string{"queue", "result"},
	)

	PushConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_push_connected",
			Help: "1 when the push channel to the desktop is connected",
		},
	)

	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_inbound_messages_total",
			Help: "Push messages received from the desktop by type",
		},
		[]string{"type"},
	)

	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_refresh_total",
			Help: "State refresh requests by result",
		},
		[]string{"result"},
	)

	// Focus metrics
	FocusDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_focus_decisions_total",
			Help: "Focus allowlist decisions by reason",
		},
		[]string{"reason"},
	)

	// Pattern metrics
	PatternInterrupts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_pattern_interrupts_total",
			Help: "Pattern interrupts emitted",
		},
	)

	// Local API metrics
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_api_requests_total",
			Help: "Local adapter API requests by route and status",
		},
		[]string{"route", "status"},
	)

	CommandSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_command_subscribers",
			Help: "Adapters connected to the UI command stream",
		},
	)

	// Emergency metrics
	EmergencyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_emergency_decisions_total",
			Help: "Local emergency policy decisions by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		CoinsSpent,
		SessionsEnded,
		ActiveSessions,
		QueueDepth,
		QueueDropped,
		FlushTotal,
		PushConnected,
		InboundMessages,
		RefreshTotal,
		FocusDecisions,
		PatternInterrupts,
		APIRequests,
		CommandSubscribers,
		EmergencyDecisions,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
