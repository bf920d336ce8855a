// Package ingest drains the operational info and exposure payload queues
// into the durable document store, and sweeps documents past their
// retention window. All three operations run on cron-style schedules.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/exposure"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
	"github.com/immuni-app/immuni-backend-analytics/pkg/store"
)

// Drainer moves queued payloads into the durable document store.
type Drainer struct {
	kv                          *kv.Store
	operationalInfoStore        *store.OperationalInfoStore
	exposurePayloadStore        *store.ExposurePayloadStore
	operationalInfoQueueKey     string
	exposurePayloadQueueKey     string
	exposureErrorsQueueKey      string
	operationalInfoMaxBatchSize int64
	exposurePayloadMaxBatchSize int64
	logger                      *zap.SugaredLogger
}

// NewDrainer creates a Drainer. operationalInfoMaxBatchSize and
// exposurePayloadMaxBatchSize are independent bounds
// (OPERATIONAL_INFO_MAX_INGESTED_ELEMENTS and
// EXPOSURE_PAYLOAD_MAX_INGESTED_ELEMENTS), since the two queues are
// drained by separate scheduled jobs and may be tuned independently.
func NewDrainer(
	kvStore *kv.Store,
	operationalInfoStore *store.OperationalInfoStore,
	exposurePayloadStore *store.ExposurePayloadStore,
	operationalInfoQueueKey, exposurePayloadQueueKey, exposureErrorsQueueKey string,
	operationalInfoMaxBatchSize, exposurePayloadMaxBatchSize int64,
	logger *zap.SugaredLogger,
) *Drainer {
	return &Drainer{
		kv:                          kvStore,
		operationalInfoStore:        operationalInfoStore,
		exposurePayloadStore:        exposurePayloadStore,
		operationalInfoQueueKey:     operationalInfoQueueKey,
		exposurePayloadQueueKey:     exposurePayloadQueueKey,
		exposureErrorsQueueKey:      exposureErrorsQueueKey,
		operationalInfoMaxBatchSize: operationalInfoMaxBatchSize,
		exposurePayloadMaxBatchSize: exposurePayloadMaxBatchSize,
		logger:                      logger,
	}
}

// DrainOperationalInfo claims up to the configured batch size of queued
// operational info elements and saves each individually. There is no
// error sideline here: elements were validated before they were
// enqueued, so a malformed one can only mean queue corruption and is
// logged and dropped.
func (d *Drainer) DrainOperationalInfo(ctx context.Context) error {
	raw, err := d.kv.DrainBatch(ctx, d.operationalInfoQueueKey, d.operationalInfoMaxBatchSize)
	if err != nil {
		return fmt.Errorf("draining operational info queue: %w", err)
	}

	for _, encoded := range raw {
		var record operationalinfo.Record
		if err := json.Unmarshal([]byte(encoded), &record); err != nil {
			d.logger.Errorw("discarding malformed operational info element", "error", err)
			continue
		}
		if err := d.operationalInfoStore.InsertOne(ctx, record); err != nil {
			d.logger.Errorw("storing operational info", "error", err)
			continue
		}
		telemetry.OperationalInfoEnqueued.WithLabelValues(string(record.Platform)).Dec()
	}

	d.recordQueueLength(ctx, "operational_info", d.operationalInfoQueueKey)
	return nil
}

// DrainExposurePayloads claims up to the configured batch size of queued
// exposure payload elements, sidelines malformed ones to the errors
// queue, and batch-inserts the rest.
func (d *Drainer) DrainExposurePayloads(ctx context.Context) error {
	raw, err := d.kv.DrainBatch(ctx, d.exposurePayloadQueueKey, d.exposurePayloadMaxBatchSize)
	if err != nil {
		return fmt.Errorf("draining exposure payload queue: %w", err)
	}

	valid := make([]exposure.Payload, 0, len(raw))
	for _, encoded := range raw {
		payload, err := exposure.FromQueueElement([]byte(encoded))
		if err != nil {
			telemetry.WrongExposurePayloadTotal.Inc()
			if pushErr := d.kv.RPush(ctx, d.exposureErrorsQueueKey, encoded); pushErr != nil {
				d.logger.Errorw("sidelining malformed exposure payload", "error", pushErr)
			}
			continue
		}
		valid = append(valid, payload)
	}

	if err := d.exposurePayloadStore.InsertMany(ctx, valid); err != nil {
		return fmt.Errorf("storing exposure payloads: %w", err)
	}

	d.recordQueueLength(ctx, "exposure_payload", d.exposurePayloadQueueKey)
	return nil
}

func (d *Drainer) recordQueueLength(ctx context.Context, label, key string) {
	n, err := d.kv.Len(ctx, key)
	if err != nil {
		d.logger.Errorw("reading queue length", "queue", key, "error", err)
		return
	}
	telemetry.IngestionQueueLength.WithLabelValues(label).Set(float64(n))
}

// RetentionSweeper deletes documents older than the configured retention
// window from both stores.
type RetentionSweeper struct {
	operationalInfoStore *store.OperationalInfoStore
	exposurePayloadStore *store.ExposurePayloadStore
	retention            time.Duration
	logger               *zap.SugaredLogger
}

// NewRetentionSweeper creates a RetentionSweeper.
func NewRetentionSweeper(
	operationalInfoStore *store.OperationalInfoStore,
	exposurePayloadStore *store.ExposurePayloadStore,
	retention time.Duration,
	logger *zap.SugaredLogger,
) *RetentionSweeper {
	return &RetentionSweeper{
		operationalInfoStore: operationalInfoStore,
		exposurePayloadStore: exposurePayloadStore,
		retention:            retention,
		logger:               logger,
	}
}

// Sweep deletes every document inserted before now minus the retention
// window, from both collections.
func (r *RetentionSweeper) Sweep(ctx context.Context, now time.Time) error {
	reference := now.Add(-r.retention)

	deletedOperationalInfo, err := r.operationalInfoStore.DeleteOlderThan(ctx, reference)
	if err != nil {
		return fmt.Errorf("sweeping operational info: %w", err)
	}
	r.logger.Infow("deleted old operational info", "n_deleted", deletedOperationalInfo, "created_before", reference)

	deletedExposurePayloads, err := r.exposurePayloadStore.DeleteOlderThan(ctx, reference)
	if err != nil {
		return fmt.Errorf("sweeping exposure payloads: %w", err)
	}
	r.logger.Infow("deleted old exposure payloads", "n_deleted", deletedExposurePayloads, "created_before", reference)

	return nil
}

// Scheduler runs the drainers and the retention sweeper on cron-style
// schedules.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler builds a Scheduler. Each periodicity is a standard
// five-field cron expression.
func NewScheduler(
	drainer *Drainer,
	sweeper *RetentionSweeper,
	storeIngestedDataPeriodicity, storeOperationalInfoPeriodicity, deleteOldDataPeriodicity string,
	logger *zap.SugaredLogger,
) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(storeIngestedDataPeriodicity, func() {
		if err := drainer.DrainExposurePayloads(context.Background()); err != nil {
			logger.Errorw("exposure payload drain failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling exposure payload drain: %w", err)
	}

	if _, err := c.AddFunc(storeOperationalInfoPeriodicity, func() {
		if err := drainer.DrainOperationalInfo(context.Background()); err != nil {
			logger.Errorw("operational info drain failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling operational info drain: %w", err)
	}

	if _, err := c.AddFunc(deleteOldDataPeriodicity, func() {
		if err := sweeper.Sweep(context.Background(), time.Now()); err != nil {
			logger.Errorw("retention sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling retention sweep: %w", err)
	}

	return &Scheduler{cron: c}, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to complete and stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}
