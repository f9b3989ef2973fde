// Package gateway is the daemon's HTTP and WebSocket surface: terminalize,
// repair, lock status, event ingestion, run inspection, governance and the
// live feed.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/conductor/internal/bus"
	"github.com/basket/conductor/internal/config"
	"github.com/basket/conductor/internal/cron"
	"github.com/basket/conductor/internal/driver"
	"github.com/basket/conductor/internal/integrity"
	"github.com/basket/conductor/internal/locks"
	"github.com/basket/conductor/internal/otel"
	"github.com/basket/conductor/internal/pipeline"
	"github.com/basket/conductor/internal/shared"
)

// Store is the persistence the gateway reads and appends to.
type Store interface {
	AppendEvent(ctx context.Context, ev pipeline.Event) (pipeline.Event, error)
	ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error)
	GetRun(ctx context.Context, taskID string) (*pipeline.Run, error)
	LoadSnapshot(ctx context.Context, taskID string) (*pipeline.Snapshot, error)
	RunCounts(ctx context.Context) (map[pipeline.State]int, error)
}

type Config struct {
	Store      Store
	Gate       *integrity.Gate
	Locks      *locks.Manager
	Governance *driver.Governance
	Bus        *bus.Bus

	// Cursor reports the loop cursor; nil omits it from health and status.
	Cursor func(ctx context.Context) (driver.CursorInfo, bool, error)
	// Jobs reports the cron jobs; nil omits them from status.
	Jobs func() []cron.JobStatus

	AuthToken string
	// AllowOrigins lists Origin patterns accepted on /ws. Empty means same-origin only.
	AllowOrigins      []string
	RateLimit         config.RateLimitConfig
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

type Server struct {
	cfg     Config
	schemas schemas
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Store == nil || cfg.Gate == nil || cfg.Locks == nil || cfg.Governance == nil {
		return nil, fmt.Errorf("gateway: store, gate, locks and governance are required")
	}
	sch, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		schemas: sch,
		limiter: NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.BurstSize, cfg.Metrics, cfg.Logger),
	}, nil
}

// Limiter exposes the rate limiter so the daemon can run its eviction loop.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /api/status", s.handleStatus)
	s.route(mux, "POST /api/terminalize", s.handleTerminalize)
	s.route(mux, "POST /api/repair", s.handleRepair)
	s.route(mux, "GET /api/locks", s.handleLocks)
	s.route(mux, "POST /api/events", s.handleAppendEvent)
	s.route(mux, "GET /api/runs/{task_id}", s.handleRun)
	s.route(mux, "GET /api/governance", s.handleGetGovernance)
	s.route(mux, "POST /api/governance", s.handleSetGovernance)
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = requireToken(s.cfg.AuthToken)(h)
	h = s.limiter.Wrap(h)
	return h
}

// route registers h under pattern with a server span, a request-duration
// sample and a trace id on the context.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithActor(ctx, "api")
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, pattern, attribute.String("http.route", pattern))
		defer span.End()
		w.Header().Set("X-Trace-Id", traceID)
		h(w, r.WithContext(ctx))
		s.cfg.Metrics.Request(ctx, pattern, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	if _, err := s.cfg.Store.RunCounts(ctx); err != nil {
		dbOK = false
		s.cfg.Logger.Error("healthz: store check failed", "error", err)
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if armed, err := s.cfg.Governance.Armed(ctx); err == nil {
		payload["armed"] = armed
	}
	if s.cfg.Cursor != nil {
		if cur, ok, err := s.cfg.Cursor(ctx); err == nil && ok {
			payload["cursor_at"] = cur.At
			payload["cursor_age_seconds"] = int64(s.cfg.Now().Sub(cur.SavedAt).Seconds())
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// StatusReport is the body of GET /api/status.
type StatusReport struct {
	Runs       map[pipeline.State]int `json:"runs"`
	Armed      bool                   `json:"armed"`
	Cursor     *driver.CursorInfo     `json:"cursor,omitempty"`
	Locks      locks.Status           `json:"locks"`
	Jobs       []cron.JobStatus       `json:"jobs,omitempty"`
	ConfigHash string                 `json:"config_fingerprint,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var rep StatusReport
	var err error
	if rep.Runs, err = s.cfg.Store.RunCounts(ctx); err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	if rep.Armed, err = s.cfg.Governance.Armed(ctx); err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	if rep.Locks, err = s.cfg.Locks.Status(ctx); err != nil {
		writeInternal(w, s.cfg.Logger, err)
		return
	}
	if s.cfg.Cursor != nil {
		cur, ok, err := s.cfg.Cursor(ctx)
		if err != nil {
			writeInternal(w, s.cfg.Logger, err)
			return
		}
		if ok {
			rep.Cursor = &cur
		}
	}
	if s.cfg.Jobs != nil {
		rep.Jobs = s.cfg.Jobs()
	}
	rep.ConfigHash = s.cfg.ConfigFingerprint
	writeJSON(w, http.StatusOK, rep)
}

// ErrorBody is the JSON shape of every non-2xx response.
type ErrorBody struct {
	Error         string            `json:"error"`
	Code          string            `json:"code"`
	MissingStages []integrity.Stage `json:"missing_stages,omitempty"`
	Key           string            `json:"key,omitempty"`
	Holder        string            `json:"holder,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeInternal(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("gateway: internal error", "error", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
}
