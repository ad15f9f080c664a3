// Package api exposes the warehouse service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/otel/trace"

	"bookwarehouse/pkg/logger"
	"bookwarehouse/pkg/otel"
	"bookwarehouse/pkg/session"
	"bookwarehouse/pkg/warehouse"
)

const maxBodyBytes = 1 << 20

// Sessions resolves and opens login sessions.
type Sessions interface {
	Create(ctx context.Context, username string) (string, error)
	Lookup(ctx context.Context, sid string) (string, error)
	TTL() time.Duration
}

// Handler serves the warehouse routes.
type Handler struct {
	svc      *warehouse.Service
	log      *logger.Logger
	sessions Sessions
	tracer   trace.Tracer
	swagger  bool
}

// Option customises a Handler.
type Option func(*Handler)

// WithSessions enables POST /login and requires a session cookie on the
// warehouse routes.
func WithSessions(s Sessions) Option {
	return func(h *Handler) { h.sessions = s }
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// WithSwagger serves the API documentation under /swagger/.
func WithSwagger() Option {
	return func(h *Handler) { h.swagger = true }
}

// New returns a Handler for svc.
func New(svc *warehouse.Service, log *logger.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &Handler{svc: svc, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(h.traceMiddleware, h.accessLogMiddleware)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	if h.sessions != nil {
		r.HandleFunc("/login", h.login).Methods(http.MethodPost)
	}
	if h.swagger {
		r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
	}

	api := r.NewRoute().Subrouter()
	if h.sessions != nil {
		api.Use(h.authMiddleware)
	}
	api.HandleFunc("/books/{bookId}/info", h.bookInfo).Methods(http.MethodGet)
	api.HandleFunc("/books/{bookId}/shelves/{shelf}", h.placeBooksOnShelf).Methods(http.MethodPut)
	api.HandleFunc("/orders", h.placeOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", h.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderId}/fulfil", h.fulfilOrder).Methods(http.MethodPut)

	return r
}

func (h *Handler) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.ExtractHTTP(r.Context(), r.Header)
		if h.tracer != nil {
			ctx = otel.InjectTracing(ctx, h.tracer)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authMiddleware ensures a valid session exists.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(session.CookieName)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := h.sessions.Lookup(r.Context(), c.Value)
		if errors.Is(err, session.ErrNoSession) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			h.log.Error(r.Context(), "lookup session", "error", err)
			writeJSONError(w, http.StatusInternalServerError, "session error")
			return
		}
		next.ServeHTTP(w, r.WithContext(session.WithUser(r.Context(), user)))
	})
}
