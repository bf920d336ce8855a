// Package broker dispatches the two asynchronous jobs the analytics
// service runs: iOS analytics-token authorization and Android SafetyNet
// attestation verification. Handlers register themselves explicitly at
// startup, so the set of job types a worker can process is fixed and
// visible at the wiring site.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
)

// Handler processes one dispatched job's raw payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// job is the envelope pushed onto the Redis list: a job type name paired
// with its opaque payload.
type job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Broker is a Redis-list-backed job dispatcher. Producers (the HTTP
// handlers) and a consumer (the worker process) share the same queue key.
type Broker struct {
	store    *kv.Store
	queueKey string
	logger   *zap.SugaredLogger
	handlers map[string]Handler
}

// New creates a Broker backed by the list at queueKey.
func New(store *kv.Store, queueKey string, logger *zap.SugaredLogger) *Broker {
	return &Broker{
		store:    store,
		queueKey: queueKey,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds jobType to handler. Registering the same type twice is a
// programmer error and panics, so misconfiguration is caught at startup.
func (b *Broker) Register(jobType string, handler Handler) {
	if _, exists := b.handlers[jobType]; exists {
		panic(fmt.Sprintf("broker: handler already registered for job type %q", jobType))
	}
	b.handlers[jobType] = handler
}

// Enqueue marshals payload and pushes it onto the queue under jobType.
func (b *Broker) Enqueue(ctx context.Context, jobType string, payload any) error {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}

	encodedJob, err := json.Marshal(job{Type: jobType, Payload: encodedPayload})
	if err != nil {
		return fmt.Errorf("encoding job envelope: %w", err)
	}

	if err := b.store.RPush(ctx, b.queueKey, string(encodedJob)); err != nil {
		return fmt.Errorf("enqueueing job %q: %w", jobType, err)
	}
	return nil
}

// Run polls the queue until ctx is cancelled, dispatching drained jobs to
// their registered handlers in the order they were enqueued.
func (b *Broker) Run(ctx context.Context, pollInterval time.Duration, batchSize int64) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce(ctx, batchSize)
		}
	}
}

func (b *Broker) drainOnce(ctx context.Context, batchSize int64) {
	encoded, err := b.store.DrainBatch(ctx, b.queueKey, batchSize)
	if err != nil {
		b.logger.Errorw("draining job queue", "queue", b.queueKey, "error", err)
		return
	}

	for _, raw := range encoded {
		var j job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			b.logger.Errorw("discarding malformed job envelope", "error", err)
			continue
		}

		handler, ok := b.handlers[j.Type]
		if !ok {
			b.logger.Errorw("no handler registered for job type", "type", j.Type)
			continue
		}

		if err := handler(ctx, j.Payload); err != nil {
			b.logger.Errorw("job handler failed", "type", j.Type, "error", err)
		}
	}
}
