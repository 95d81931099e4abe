package web

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/lease"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// NewServer creates the HTTP server for the LinkOps JSON API.
func NewServer(db *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, locker lease.Locker, version string) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(NewHandlers(db, cfg, dispatcher, locker, version)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(securityHeaders)

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/tasks/evaluate", h.HandleEvaluate)
		r.Post("/tasks/assign", h.HandleAssign)
		r.Post("/tasks/intake", h.HandleIntake)
		r.Post("/tasks/{taskID}/complete", h.HandleComplete)
		r.Get("/tasks/{taskID}/history", h.HandleHistory)

		r.Post("/records", h.HandleAppendRecord)
		r.Post("/records/sanitize", h.HandleSanitize)

		r.Get("/artifacts/pending", h.HandleListPending)
		r.Get("/artifacts/{id}", h.HandleFetchArtifact)
		r.Post("/artifacts/{id}/approve", h.HandleApprove)
		r.Post("/artifacts/{id}/reject", h.HandleReject)

		r.Get("/knowledge", h.HandleListKnowledge)
		r.Post("/knowledge/export", h.HandleExport)
		r.Get("/categories", h.HandleListCategories)

		r.Post("/distill", h.HandleDistill)
		r.Get("/digest", h.HandleDigest)
		r.Get("/digest/{date}", h.HandleDigest)
		r.Post("/load/reconcile", h.HandleReconcile)
	})

	return r
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// Run serves srv until ctx is cancelled, then shuts it down gracefully.
func Run(ctx context.Context, srv *http.Server) error {
	logger := zap.L().Named("web")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("api listening", zap.String("addr", srv.Addr))
	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, ":") || strings.Contains(srv.Addr, "[::]") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
