package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yegors/aura-relay/pkg/logger"
)

// Router builds the HTTP control surface
type Router struct {
	handler        *Handler
	allowedOrigins []string
	logger         *logger.Logger
}

// NewRouter creates a router around h. allowedOrigins of ["*"] (or none)
// allows any origin.
func NewRouter(h *Handler, allowedOrigins []string, log *logger.Logger) *Router {
	return &Router{
		handler:        h,
		allowedOrigins: allowedOrigins,
		logger:         log.Named("api-router"),
	}
}

// Routes returns the root handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(rt.cors)

	h := rt.handler
	r.Get("/", h.Root)
	r.Get("/agents", h.ListAgents)
	r.Post("/agents/switch", h.SwitchAgent)
	r.Get("/assistants", h.ListAssistants)
	r.Post("/agent", h.HandleAgent)

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
}

// cors sets permissive CORS headers and answers every preflight with 204
func (rt *Router) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := rt.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) allowOrigin(origin string) string {
	if len(rt.allowedOrigins) == 0 {
		return "*"
	}
	for _, o := range rt.allowedOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Duration("elapsed", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
