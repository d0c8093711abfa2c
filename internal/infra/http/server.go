package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RunFunc запускает один проход рассылки и возвращает его отчёт.
type RunFunc func(ctx context.Context) (any, error)

// HealthFunc проверяет доступность зависимостей.
type HealthFunc func(ctx context.Context) error

// Options задаёт обработчики служебного HTTP сервера.
type Options struct {
	AdminToken string
	Run        RunFunc
	Health     HealthFunc
}

// Server оборачивает chi.Router с базовыми middlewares.
type Server struct {
	Router chi.Router
	log    zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer создаёт HTTP сервер с /metrics, /healthz и POST /runs.
func NewServer(logger zerolog.Logger, opts Options) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(opts.Health))
	if opts.Run != nil {
		r.With(AdminTokenMiddleware(opts.AdminToken)).Post("/runs", runHandler(logger, opts.Run))
	}
	return &Server{Router: r, log: logger}
}

func healthHandler(check HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				WriteError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func runHandler(logger zerolog.Logger, run RunFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := run(r.Context())
		if err != nil {
			logger.Error().Err(err).Str("request_id", RequestID(r)).Msg("http: ручной запуск рассылки завершился ошибкой")
			WriteError(w, http.StatusInternalServerError, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// Start запускает http.Server.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info().Str("addr", addr).Msg("http: admin server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown дожидается завершения активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
