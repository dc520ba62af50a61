// Package api is the operator REST surface: ad hoc scans, quarantine
// inspection and purges, emergency purge, alerts, breaker state, logs,
// config reload, health and prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/1sec-project/bastion/internal/app"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/1sec-project/bastion/internal/modules/emergency"
	"github.com/1sec-project/bastion/internal/modules/quarantine"
	"github.com/1sec-project/bastion/internal/modules/threat"
	"github.com/1sec-project/bastion/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ModuleName is the registry name of the API server.
const ModuleName = "api_server"

const maxBodyBytes = 1 << 20

// Server is the bastion operator API server.
type Server struct {
	app    *app.App
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new API server for a.
func NewServer(a *app.App) *Server {
	cfg := a.Engine.Config()
	s := &Server{
		app:    a,
		logger: a.Logger.With().Str("component", ModuleName).Logger(),
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.routes(cfg.Server.RateLimit),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain and router.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.server.Addr }

func (s *Server) routes(rateLimit int) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: s.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Content-Type", "Authorization", "X-API-Key", pipeline.HeaderRequestID, pipeline.HeaderUserID},
		ExposedHeaders:  []string{pipeline.HeaderRequestID, pipeline.HeaderMFAChallenge},
		MaxAge:          86400,
	}))
	r.Use(s.logRequests)
	if rateLimit > 0 {
		r.Use(httprate.LimitByIP(rateLimit, time.Second))
	}
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Engine.Metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/scan", s.handleScan)

		r.Get("/quarantine", s.handleQuarantineList)
		r.Get("/quarantine/{id}", s.handleQuarantineGet)
		r.Post("/quarantine/purge", s.handleQuarantinePurge)
		r.Post("/emergency/purge", s.handleEmergencyPurge)

		r.Get("/alerts", s.handleAlerts)
		r.Get("/fraud/alerts", s.handleFraudAlerts)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/logs", s.handleLogs)
		r.Post("/config/reload", s.handleReload)

		// Inspection and guard probes run the live pipeline end to end.
		fiat, crypto, login := s.app.Guards()
		inspect := s.app.Pipeline.Middleware
		r.With(inspect).Post("/inspect", s.handleInspected)
		r.With(inspect, fiat).Post("/guard/transfers", s.handleInspected)
		r.With(inspect, crypto).Post("/guard/payouts", s.handleInspected)
		r.With(inspect, login).Post("/guard/login", s.handleInspected)
	})
	return r
}

// ─── Module ──────────────────────────────────────────────────────────────────

func (s *Server) Name() string { return ModuleName }

// Start begins serving the API.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.app.Engine.Config().AuthEnabled() {
		s.logger.Info().Int("keys", len(s.app.Engine.Config().Server.APIKeys)).Msg("API authentication enabled")
	} else {
		s.logger.Warn().Msg("API authentication disabled, set server.api_keys or BASTION_API_KEY")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func (s *Server) allowOrigin(_ *http.Request, origin string) bool {
	for _, o := range s.app.Engine.Config().Server.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// authenticate accepts "Authorization: Bearer <key>" or "X-API-Key: <key>".
// Health checks and open mode (no keys configured) skip it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.app.Engine.Config()
		if r.URL.Path == "/health" || !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); auth != "" {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "missing authentication, provide Authorization: Bearer <key> or X-API-Key",
			})
			return
		}
		if !cfg.ValidateAPIKey(key) {
			s.logger.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	e := s.app.Engine
	modules := make([]string, 0, e.Registry.Count())
	for _, mod := range e.Registry.All() {
		modules = append(modules, mod.Name())
	}
	rs := s.app.Analyzer.Ruleset()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "running",
		"uptime":          e.Uptime().Round(time.Second).String(),
		"bus_connected":   e.Bus != nil && e.Bus.IsConnected(),
		"modules":         modules,
		"alerts_total":    e.Pipeline.Count(),
		"ruleset_version": rs.Version,
		"patterns":        rs.PatternCount(),
		"thresholds":      s.app.Analyzer.Thresholds(),
		"timestamp":       time.Now().UTC(),
	})
}

type scanRequest struct {
	Payload interface{}          `json:"payload"`
	Context *core.RequestContext `json:"context,omitempty"`
}

// handleScan analyzes a payload without quarantining it. Findings on
// sensitive fields come back redacted.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Payload == nil {
		writeError(w, core.NewError(core.KindValidation, "api.scan", "payload is required", nil))
		return
	}
	clean := s.app.Sanitizer.Sanitize(req.Payload)
	res := s.app.Analyzer.Analyze(clean, req.Context)
	writeJSON(w, http.StatusOK, quarantine.RedactAnalysis(res))
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request) {
	c, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.app.Quarantine.Find(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"total":   len(recs),
	})
}

func (s *Server) handleQuarantineGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.app.Quarantine.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "quarantine record not found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleQuarantinePurge(w http.ResponseWriter, r *http.Request) {
	var c quarantine.Criteria
	if err := decodeBody(r, &c); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.app.Quarantine.Purge(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleEmergencyPurge(w http.ResponseWriter, r *http.Request) {
	var c emergency.Criteria
	if err := decodeBody(r, &c); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.app.Emergency.EmergencyPurge(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.app.Engine.Pipeline.Recent(limitParam(r, 50))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  s.app.Engine.Pipeline.Count(),
	})
}

func (s *Server) handleFraudAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.app.Fraud.Recent(limitParam(r, 50))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.app.Breakers.Snapshot(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.app.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []core.LogEntry{}, "total": 0})
		return
	}
	entries := s.app.Logs.Entries(limitParam(r, 100))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"total": len(entries),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	changes, err := core.Reload(s.app.Engine, s.app.Engine.ConfigPath)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// handleInspected answers requests that made it through the pipeline and
// guards with the cleansed body and scan summary.
func (s *Server) handleInspected(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	if r.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if len(data) > 0 {
			_ = json.Unmarshal(data, &body)
		}
	}
	scan, _ := pipeline.ScanResultFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "accepted",
		"body":   body,
		"scan":   scan,
	})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	pipeline.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	pipeline.WriteError(w, err)
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return core.NewError(core.KindValidation, "api.decode", "empty request body", nil)
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return core.NewError(core.KindValidation, "api.decode", "invalid JSON body", err)
	}
	return nil
}

func limitParam(r *http.Request, def int) int {
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		return l
	}
	return def
}

// criteriaFromQuery reads min_level, status, since, until (RFC 3339) and limit.
func criteriaFromQuery(r *http.Request) (quarantine.Criteria, error) {
	q := r.URL.Query()
	c := quarantine.Criteria{Status: quarantine.Status(strings.ToUpper(q.Get("status")))}
	if v := q.Get("min_level"); v != "" {
		lvl, ok := threat.ParseLevel(v)
		if !ok {
			return c, core.NewError(core.KindValidation, "api.criteria", "unknown min_level "+v, nil)
		}
		c.MinLevel = lvl
	}
	for name, dst := range map[string]*time.Time{"since": &c.Since, "until": &c.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c, core.NewError(core.KindValidation, "api.criteria", "invalid "+name, err)
		}
		*dst = t
	}
	c.Limit = limitParam(r, 0)
	return c, nil
}
