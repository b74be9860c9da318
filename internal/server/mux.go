// internal/server/mux.go
// Package server implements the HTTP surface of the secure media gateway: the
// /media/ delivery endpoint plus health, readiness and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/authz"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/cache"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/delivery"
	errordefs "github.com/RegistryAccord/registryaccord-securemedia-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/resolver"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/session"
	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
	contextKeyState         ContextKey = "requestState"  // Per-request details filled in by handlers

	// MediaPrefix is the URL prefix of the delivery endpoint.
	MediaPrefix = "/media/"
)

// TokenVerifier turns a bearer token into a caller.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (model.Caller, error)
}

// Deps are the collaborators of the gateway.
type Deps struct {
	Resolver  *resolver.Resolver
	Authz     *authz.Engine
	Deliverer delivery.Deliverer
	Store     storage.Store // probed by readiness
	Cache     *cache.Store  // probed by readiness
	Verifier  TokenVerifier // nil treats every caller as anonymous
	Markers   *session.Markers
	// SecureCookies marks issued session cookies Secure.
	SecureCookies bool
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Mux handles HTTP requests for the gateway.
type Mux struct {
	mux           *http.ServeMux
	resolver      *resolver.Resolver
	authz         *authz.Engine
	deliverer     delivery.Deliverer
	store         storage.Store
	cache         *cache.Store
	verifier      TokenVerifier
	markers       *session.Markers
	secureCookies bool
	log           *slog.Logger
	metrics       *metrics.Metrics
}

// NewMux creates the gateway handler.
func NewMux(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	m := &Mux{
		mux:           http.NewServeMux(),
		resolver:      d.Resolver,
		authz:         d.Authz,
		deliverer:     d.Deliverer,
		store:         d.Store,
		cache:         d.Cache,
		verifier:      d.Verifier,
		markers:       d.Markers,
		secureCookies: d.SecureCookies,
		log:           d.Logger,
		metrics:       d.Metrics,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	media := m.withMiddleware(m.method(m.handleMedia, http.MethodGet, http.MethodHead))

	// /media/ is dispatched before ServeMux, which would answer unclean paths
	// with a redirect instead of letting validation reject them.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, MediaPrefix) {
			media(w, r)
			return
		}
		m.mux.ServeHTTP(w, r)
	})
}

// method ensures the HTTP method is one of the allowed methods
func (m *Mux) method(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, method := range methods {
			if r.Method == method {
				h(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		m.writeErrorDef(w, errordefs.New(errordefs.SMG_METHOD_NOT_ALLOWED, "method not allowed", correlationID(r.Context())))
	}
}

// requestState collects what handlers learn about a request for logging and metrics.
type requestState struct {
	class  Class
	caller string
	asset  string
	err    error
}

func stateFrom(ctx context.Context) *requestState {
	if st, ok := ctx.Value(contextKeyState).(*requestState); ok {
		return st
	}
	return &requestState{}
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// withMiddleware applies correlation ids, request logging and metrics
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		corrID := r.Header.Get("X-Correlation-Id")
		if corrID == "" || len(corrID) > 128 {
			corrID = uuid.New().String()
		}
		st := &requestState{}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, corrID)
		ctx = context.WithValue(ctx, contextKeyState, st)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", corrID)

		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		elapsed := time.Since(start)
		class := string(st.class)
		if class == "" {
			class = "none"
		}
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, class, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, class, status).Observe(elapsed.Seconds())
		m.logRequest(r, rec.status, elapsed, corrID, st)
	}
}

// caller identifies the requester from its bearer token. Requests without a
// valid token are anonymous.
func (m *Mux) caller(r *http.Request) model.Caller {
	if m.verifier == nil {
		return model.Caller{}
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return model.Caller{}
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		m.log.WarnContext(r.Context(), "invalid Authorization header format, treating caller as anonymous")
		return model.Caller{}
	}
	c, err := m.verifier.Verify(r.Context(), tokenString)
	if err != nil {
		m.log.WarnContext(r.Context(), "bearer token rejected, treating caller as anonymous", "error", err)
		return model.Caller{}
	}
	return c
}

// writeError writes an error response following the gateway error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"error": map[string]any{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	if err.HTTPStatus == http.StatusForbidden || err.HTTPStatus == http.StatusServiceUnavailable {
		w.Header().Set("Cache-Control", "no-store")
	}
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, st *requestState) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if st.class != "" {
		attrs = append(attrs, slog.String("class", string(st.class)))
	}
	if st.caller != "" {
		attrs = append(attrs, slog.String("caller", st.caller))
	}
	if st.asset != "" {
		attrs = append(attrs, slog.String("asset", st.asset))
	}

	if st.err != nil {
		attrs = append(attrs, slog.String("error", st.err.Error()))
		m.log.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		m.log.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the metadata store answers. The cache is only
// reported on: the gateway serves correctly without it.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// Asset 0 never exists; ErrNotFound means the store is reachable
	if _, err := m.store.GetAsset(ctx, 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.log.WarnContext(ctx, "readiness check failed", "dependency", "metadata store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	if m.cache != nil {
		if err := m.cache.Ping(ctx); err != nil {
			m.log.WarnContext(ctx, "cache unavailable, serving uncached", "error", err)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok (cache degraded)"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
