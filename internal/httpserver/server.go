package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/config"
)

// Server holds the HTTP server dependencies. Domain handlers are mounted on
// Router by the caller after NewServer returns; this package owns only the
// ambient surface (health, metrics, middleware chain).
type Server struct {
	Router    *chi.Mux
	Logger    *zap.SugaredLogger
	Redis     *redis.Client
	Mongo     *mongo.Client
	startedAt time.Time
}

// NewServer builds the chi router, global middleware chain, and the
// unauthenticated health/metrics endpoints. Domain handlers are mounted
// separately by internal/app. mdb may be nil for processes that never
// bind the document store; readiness then only checks Redis.
func NewServer(cfg *config.Config, logger *zap.SugaredLogger, rdb *redis.Client, mdb *mongo.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Redis:     rdb,
		Mongo:     mdb,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Errorw("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	if s.Mongo != nil {
		if err := s.Mongo.Ping(ctx, nil); err != nil {
			s.Logger.Errorw("readiness check: mongo ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "mongo not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
