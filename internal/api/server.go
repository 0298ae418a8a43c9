// Package api is the REST surface for submitting jobs and reading the
// generated documents.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	catrate "github.com/joeycumines/go-catrate"

	"github.com/PentesterFlow/qadocgen/internal/events"
	"github.com/PentesterFlow/qadocgen/internal/logger"
	"github.com/PentesterFlow/qadocgen/internal/metrics"
	"github.com/PentesterFlow/qadocgen/internal/ratelimit"
	"github.com/PentesterFlow/qadocgen/internal/store"
	"github.com/PentesterFlow/qadocgen/internal/websocket"
)

// Version is reported by /health.
const Version = "1.0.0"

// Submitter schedules a stored job for processing.
type Submitter interface {
	Submit(jobID string) error
}

// LimiterStats reports per-domain admission counts.
type LimiterStats interface {
	Stats(ctx context.Context) (ratelimit.LimiterStats, error)
}

// Config holds server settings.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// DefaultRateLimit applies when a job omits its own.
	DefaultRateLimit int `json:"default_rate_limit" yaml:"default_rate_limit"`
	// SubmitPerMinute caps job submissions per client address; 0 disables.
	SubmitPerMinute int           `json:"submit_per_minute" yaml:"submit_per_minute"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	MaxBodyBytes    int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// DefaultConfig listens on 0.0.0.0:8000.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8000,
		DefaultRateLimit: 10,
		SubmitPerMinute:  30,
		ReadTimeout:      15 * time.Second,
		MaxBodyBytes:     1 << 20,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Server serves the REST routes.
type Server struct {
	config    Config
	store     store.Store
	submitter Submitter
	hub       *events.Hub
	stream    *websocket.Handler
	limiter   LimiterStats
	metrics   *metrics.Collector
	submits   *catrate.Limiter
	logger    *logger.Logger
	now       func() time.Time
	newID     func() string
	started   time.Time

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables GET /jobs/{id}/events over hub.
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLimiterStats adds rate limiter counts to /health.
func WithLimiterStats(l LimiterStats) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics adds the metrics snapshot to /health.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNop(l).WithComponent("api") }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server over st that hands new jobs to submitter.
func New(config Config, st store.Store, submitter Submitter, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config.DefaultRateLimit <= 0 {
		config.DefaultRateLimit = defaults.DefaultRateLimit
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}

	s := &Server{
		config:    config,
		store:     st,
		submitter: submitter,
		logger:    logger.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub != nil {
		s.stream = websocket.NewHandler(s.hub, s.logger)
	}
	if config.SubmitPerMinute > 0 {
		s.submits = catrate.NewLimiter(map[time.Duration]int{time.Minute: config.SubmitPerMinute})
	}
	s.started = s.now()
	return s
}

// Handler returns the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.createJob)
	mux.HandleFunc("GET /jobs/{id}", s.getJob)
	mux.HandleFunc("GET /jobs/{id}/results", s.getResults)
	mux.HandleFunc("GET /jobs/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /docs/{id}/{format}", s.getDocument)
	mux.HandleFunc("GET /health", s.health)
	return s.recoverer(s.logRequests(mux))
}

// ListenAndServe serves on config.Addr until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	s.logger.Infof("Listening on %s", s.config.Addr())
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Event(logger.DebugLevel).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.WithField("path", r.URL.Path).Errorf("handler panic: %v", v)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// clientKey is the remote host without port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
