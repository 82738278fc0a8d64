package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"convroute/internal/auth"
	"convroute/internal/schema"
	"convroute/internal/service"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// WriteError writes a standardized error response
func WriteError(w http.ResponseWriter, code int, errCode, message string, log *zap.Logger) {
	writeError(w, code, ErrorResponse{Error: errCode, Code: errCode, Message: message}, log)
}

func writeError(w http.ResponseWriter, code int, resp ErrorResponse, log *zap.Logger) {
	if code >= http.StatusInternalServerError {
		log.Error("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	} else {
		log.Debug("API error", zap.String("code", resp.Code), zap.String("message", resp.Message))
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeServiceError maps routing and ledger errors to HTTP statuses
func writeServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, service.ErrAgentNotFound),
		errors.Is(err, service.ErrTeamNotFound),
		errors.Is(err, service.ErrAssignmentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrAlreadyAssigned):
		status, code = http.StatusConflict, "already_assigned"
	case errors.Is(err, service.ErrDuplicateActiveAssignment):
		status, code = http.StatusConflict, "duplicate_active_assignment"
	case errors.Is(err, service.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, service.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrCapacityExceeded):
		status, code = http.StatusUnprocessableEntity, "capacity_exceeded"
	case errors.Is(err, service.ErrManualAgentRequired):
		status, code = http.StatusUnprocessableEntity, "manual_agent_required"
	case errors.Is(err, service.ErrInstanceNotPermitted):
		status, code = http.StatusUnprocessableEntity, "instance_not_permitted"
	case errors.Is(err, service.ErrNoEscalationTarget):
		status, code = http.StatusUnprocessableEntity, "no_escalation_target"
	case errors.Is(err, service.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	writeError(w, status, ErrorResponse{Error: code, Code: code, Message: msg}, log)
}

// decode validates the body against the named schema and unmarshals it into v
func (d Dependencies) decode(w http.ResponseWriter, r *http.Request, schemaName string, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large", d.Log)
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if d.Schemas != nil {
		if err := d.Schemas.Validate(schemaName, body); err != nil {
			var ve *schema.ValidationError
			if errors.As(err, &ve) {
				writeError(w, http.StatusBadRequest, ErrorResponse{
					Error: "validation_failed", Code: "validation_failed",
					Message: "Request body does not match schema " + ve.Schema, Details: ve.Problems,
				}, d.Log)
				return false
			}
			WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
			return false
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return false
	}
	return true
}

// RequestLogger logs HTTP requests and responses
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip wrapping for WebSocket upgrades - they need direct access to ResponseWriter
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("agent_id", auth.GetAgentID(r.Context())),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles each agent (or client address when anonymous) with a token bucket
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	log     *zap.Logger
}

func NewRateLimiter(perMinute, burst int, log *zap.Logger) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = 50
	}
	return &RateLimiter{
		clients: map[string]*limiterEntry{},
		rps:     rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		log:     log,
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.getLimiter(rl.clientKey(r)).Allow() {
			WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", rl.log)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientKey(r *http.Request) string {
	if id := auth.GetAgentID(r.Context()); id != "" {
		return "agent:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	if l, ok := rl.clients[key]; ok {
		l.lastSeen = now
		return l.limiter
	}
	// drop idle clients whenever a new one shows up
	for k, e := range rl.clients {
		if now.Sub(e.lastSeen) > rl.idleTTL {
			delete(rl.clients, k)
		}
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.clients[key] = &limiterEntry{limiter: lim, lastSeen: now}
	return lim
}
