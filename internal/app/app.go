// Package app wires the analytics service's components together and
// starts whichever runtime mode the configuration selects: the public
// HTTP surface, or the worker process that runs the authorization and
// attestation job broker alongside the cron-scheduled batch drainers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/api"
	"github.com/immuni-app/immuni-backend-analytics/internal/config"
	"github.com/immuni-app/immuni-backend-analytics/internal/httpserver"
	"github.com/immuni-app/immuni-backend-analytics/internal/jobs"
	"github.com/immuni-app/immuni-backend-analytics/internal/platform"
	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/broker"
	"github.com/immuni-app/immuni-backend-analytics/pkg/devicecheck"
	"github.com/immuni-app/immuni-backend-analytics/pkg/dummy"
	"github.com/immuni-app/immuni-backend-analytics/pkg/ingest"
	"github.com/immuni-app/immuni-backend-analytics/pkg/iosauth"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
	"github.com/immuni-app/immuni-backend-analytics/pkg/quota"
	"github.com/immuni-app/immuni-backend-analytics/pkg/safetynet"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
)

const (
	brokerQueueKey   = "analytics_jobs"
	brokerPollPeriod = 500 * time.Millisecond
	brokerBatchSize  = 50
	shutdownGrace    = 10 * time.Second
)

// Run is the main application entry point: it loads the coordination
// store connection shared by every mode and then dispatches into the
// mode-specific runner.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	logger.Infow("starting analytics service", "mode", cfg.Mode, "env", cfg.Env)

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Errorw("closing redis", "error", err)
		}
	}()

	kvStore := kv.New(rdb)

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, kvStore, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, kvStore)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI serves the three public endpoints. It never binds the document
// store: uploads only ever reach the coordination store (quota consume,
// enqueue) or the job broker.
func runAPI(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, kvStore *kv.Store, metricsReg *prometheus.Registry) error {
	ledger := quota.New(kvStore, cfg.AnalyticsTokenExpirationDays)
	enqueuer := operationalinfo.NewEnqueuer(kvStore, cfg.OperationalInfoQueueKey)
	jobBroker := broker.New(kvStore, brokerQueueKey, logger)

	limits := api.Limits{
		AnalyticsTokenSize:         cfg.AnalyticsTokenSize,
		SaltLength:                 cfg.SaltLength,
		SignedAttestationMaxLength: cfg.SignedAttestationMaxLength,
		DeviceTokenMaxLength:       cfg.DeviceTokenMaxLength,
	}
	handlers := api.NewHandlers(ledger, kvStore, enqueuer, jobBroker, limits, logger)

	srv := httpserver.NewServer(cfg, logger, kvStore.Client(), nil, metricsReg)
	mountRoutes(srv, cfg, handlers)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// mountRoutes wires the analytics endpoints under /v1/analytics,
// applying the dummy-traffic shaper to the two upload endpoints only.
// Order matters: the dummy short-circuit wraps the handler so a dummy
// request never reaches body validation or the ledger, and
// request-duration monitoring wraps everything at the router level so it
// observes the final status of dummy and real requests alike.
func mountRoutes(srv *httpserver.Server, cfg *config.Config, handlers *api.Handlers) {
	dummyMiddleware := dummy.Middleware(cfg.DummyRequestTimeoutMillis, cfg.DummyRequestTimeoutSigma)

	srv.Router.Route("/v1/analytics", func(r chi.Router) {
		r.Method(http.MethodPost, "/apple/operational-info",
			dummyMiddleware(http.HandlerFunc(handlers.PostAppleOperationalInfo)))
		r.Method(http.MethodPost, "/google/operational-info",
			dummyMiddleware(http.HandlerFunc(handlers.PostAndroidOperationalInfo)))
		r.Post("/apple/token", handlers.AuthorizeToken)
	})
}

// runWorker is the single non-HTTP process type: it binds both the
// coordination store and the document store at startup, with guaranteed
// release of both on every exit path, and runs the authorization and
// attestation broker consumer alongside the cron-scheduled batch
// drainers and the retention sweeper.
func runWorker(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, kvStore *kv.Store) error {
	mongoClient, err := platform.NewMongoClient(ctx, cfg.MongoURL)
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Errorw("disconnecting mongo", "error", err)
		}
	}()

	ledger := quota.New(kvStore, cfg.AnalyticsTokenExpirationDays)

	deviceCheckClient, err := devicecheck.NewClient(
		cfg.AppleDeviceCheckURL, cfg.AppleTeamID, cfg.AppleKeyID, cfg.AppleCertificateKeyPEM,
		time.Duration(cfg.RequestsTimeoutSeconds)*time.Second, logger,
	)
	if err != nil {
		return fmt.Errorf("building devicecheck client: %w", err)
	}

	authorizer := iosauth.New(
		deviceCheckClient, ledger, cfg.Environment(),
		time.Duration(cfg.CheckTimeSecondsMin)*time.Second, time.Duration(cfg.CheckTimeSecondsMax)*time.Second,
		time.Duration(cfg.ReadTimeSecondsMin)*time.Second, time.Duration(cfg.ReadTimeSecondsMax)*time.Second,
		logger,
	)

	enqueuer := operationalinfo.NewEnqueuer(kvStore, cfg.OperationalInfoQueueKey)
	safetyNetConfig := safetynet.Config{
		IssuerHostname: cfg.SafetyNetIssuerHostname,
		PackageName:    cfg.SafetyNetPackageName,
		APKDigest:      cfg.SafetyNetAPKDigest,
		MaxSkew:        skewDuration(cfg),
	}

	jobBroker := broker.New(kvStore, brokerQueueKey, logger)
	jobs.RegisterIOSAuthorization(jobBroker, authorizer)
	jobs.RegisterSafetyNetVerification(jobBroker, safetyNetConfig, kvStore, enqueuer, jobs.SaltTTLSeconds(skewDuration(cfg)), logger)

	db := mongoDatabase(mongoClient, cfg.MongoURL)
	operationalInfoStore := store.NewOperationalInfoStore(db)
	exposurePayloadStore := store.NewExposurePayloadStore(db)

	drainer := ingest.NewDrainer(
		kvStore, operationalInfoStore, exposurePayloadStore,
		cfg.OperationalInfoQueueKey, cfg.ExposurePayloadQueueKey, cfg.ExposurePayloadErrorsQueueKey,
		int64(cfg.OperationalInfoMaxIngestedElements), int64(cfg.ExposurePayloadMaxIngestedElements), logger,
	)
	sweeper := ingest.NewRetentionSweeper(
		operationalInfoStore, exposurePayloadStore,
		time.Duration(cfg.DataRetentionDays)*24*time.Hour, logger,
	)

	scheduler, err := ingest.NewScheduler(
		drainer, sweeper,
		cfg.StoreIngestedDataPeriodicity, cfg.StoreOperationalInfoPeriodicity, cfg.DeleteOldDataPeriodicity,
		logger,
	)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	logger.Info("worker started")
	scheduler.Start()
	defer scheduler.Stop(context.Background())

	jobBroker.Run(ctx, brokerPollPeriod, brokerBatchSize)
	logger.Info("shutting down worker")
	return nil
}

// skewDuration returns the configured SafetyNet clock-skew tolerance as a
// time.Duration, reused both for attestation payload validation and for
// the single-use-salt TTL.
func skewDuration(cfg *config.Config) time.Duration {
	return time.Duration(cfg.SafetyNetMaxSkewMinutes) * time.Minute
}

// mongoDatabase resolves the target database handle from the connection
// URL's path component.
func mongoDatabase(client *mongo.Client, mongoURL string) *mongo.Database {
	return client.Database(databaseNameFromURL(mongoURL))
}

func databaseNameFromURL(mongoURL string) string {
	parsed, err := url.Parse(mongoURL)
	if err != nil {
		return "immuni-analytics"
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if name == "" {
		return "immuni-analytics"
	}
	return name
}
