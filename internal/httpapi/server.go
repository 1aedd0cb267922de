// Package httpapi exposes the run ledger and on-demand runs over HTTP, plus a
// websocket stream of live engine events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/leavelink/internal/logging"
	"github.com/agentworkforce/leavelink/internal/notion"
	"github.com/agentworkforce/leavelink/internal/reconcile"
	"github.com/agentworkforce/leavelink/internal/runlog"
	"github.com/agentworkforce/leavelink/internal/runner"
)

const (
	defaultListLimit = 20
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Logger defaults to logging.Default().
	Logger *zerolog.Logger
}

type Server struct {
	runner      *runner.Runner
	cfg         ServerConfig
	rateLimiter *rateLimiter
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(r *runner.Runner) *Server {
	return NewServerWithConfig(r, ServerConfig{})
}

func NewServerWithConfig(r *runner.Runner, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		runner:      r,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         logger.With().Str("component", "httpapi").Logger(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": s.runner.Running()})
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/v1/runs" && r.Method == http.MethodPost:
		requiredScope = ScopeRunsTrigger
		route = "trigger"
	case r.URL.Path == "/v1/runs" && r.Method == http.MethodGet:
		requiredScope = ScopeRunsRead
		route = "list"
	case r.URL.Path == "/v1/runs/latest" && r.Method == http.MethodGet:
		requiredScope = ScopeRunsRead
		route = "latest"
	case r.URL.Path == "/v1/runs/stream" && r.Method == http.MethodGet:
		requiredScope = ScopeRunsRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	log := s.log.With().Str("correlation_id", correlationID).Str("subject", claims.Subject).Logger()
	ctx := logging.WithLogger(r.Context(), &log)
	switch route {
	case "trigger":
		s.handleTrigger(ctx, w, r, correlationID)
	case "list":
		s.handleList(ctx, w, r, correlationID)
	case "latest":
		s.handleLatest(ctx, w, correlationID)
	case "stream":
		s.handleStream(ctx, w, r)
	}
}

func (s *Server) handleTrigger(ctx context.Context, w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		DryRun bool `json:"dryRun"`
	}
	if !s.decodeOptionalJSONBody(w, r, correlationID, &body) {
		return
	}
	// A run started over HTTP finishes even if the caller hangs up.
	report, err := s.runner.Trigger(context.WithoutCancel(ctx), runner.TriggerOptions{DryRun: body.DryRun})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, runner.ErrRunInProgress):
		writeError(w, http.StatusConflict, "run_in_progress", err.Error(), correlationID)
	default:
		status, code := runFailureStatus(err)
		writeJSON(w, status, map[string]any{
			"code":          code,
			"message":       err.Error(),
			"correlationId": correlationID,
			"report":        report,
		})
	}
}

func runFailureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidOptions), errors.Is(err, reconcile.ErrSchema):
		return http.StatusUnprocessableEntity, "configuration_error"
	case errors.Is(err, notion.ErrUnauthorized):
		return http.StatusBadGateway, "upstream_unauthorized"
	case errors.Is(err, reconcile.ErrIndexIncomplete), errors.Is(err, notion.ErrRateLimited):
		return http.StatusServiceUnavailable, "upstream_unavailable"
	default:
		return http.StatusBadGateway, "run_failed"
	}
}

func (s *Server) handleList(ctx context.Context, w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultListLimit, 1, runlog.DefaultHistory)
	reports, err := s.runner.Reports().List(ctx, limit)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("list run reports")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs", correlationID)
		return
	}
	if reports == nil {
		reports = []runlog.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": reports})
}

func (s *Server) handleLatest(ctx context.Context, w http.ResponseWriter, correlationID string) {
	report, ok, err := s.runner.Reports().Latest(ctx)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("read latest run report")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read latest run", correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no runs recorded", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleStream forwards engine events to a websocket client until either side
// goes away. Events published while the client is slow are dropped.
func (s *Server) handleStream(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(ctx)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, unsubscribe := s.runner.Subscribe(streamBuffer)
	defer unsubscribe()

	ctx = conn.CloseRead(ctx)
	log.Debug().Msg("event stream opened")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("event stream closed by client")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteWait)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

// decodeOptionalJSONBody decodes the body into dst, treating an empty body as
// an empty object.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
