// Package operationalinfo defines the operational info record submitted by
// both mobile clients after a successful upload authorization, and the
// enqueue step that hands it off to the ingestion list drained by pkg/ingest.
package operationalinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
)

// Platform identifies which mobile client submitted a record.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Record is the operational info document, shared by both platforms. It
// never carries a device or token identifier.
type Record struct {
	Platform               Platform `json:"platform"`
	Province               string   `json:"province"`
	ExposurePermission     bool     `json:"exposure_permission"`
	BluetoothActive        bool     `json:"bluetooth_active"`
	NotificationPermission bool     `json:"notification_permission"`
	ExposureNotification   bool     `json:"exposure_notification"`
	LastRiskyExposureOn    string   `json:"last_risky_exposure_on,omitempty"`
}

// Enqueuer pushes validated records onto the Redis list the store drainer
// later claims in batches.
type Enqueuer struct {
	store    *kv.Store
	queueKey string
}

// NewEnqueuer creates an Enqueuer writing to queueKey.
func NewEnqueuer(store *kv.Store, queueKey string) *Enqueuer {
	return &Enqueuer{store: store, queueKey: queueKey}
}

// Enqueue serializes and pushes the record, incrementing the
// per-platform enqueue counter on success.
func (e *Enqueuer) Enqueue(ctx context.Context, record Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding operational info: %w", err)
	}

	if err := e.store.RPush(ctx, e.queueKey, string(encoded)); err != nil {
		return fmt.Errorf("enqueueing operational info: %w", err)
	}

	telemetry.OperationalInfoEnqueued.WithLabelValues(string(record.Platform)).Inc()
	return nil
}

// ParseLastRiskyExposureOn parses the ISO-8601 date the client sends, or
// returns the zero time with no error if the field was omitted.
func ParseLastRiskyExposureOn(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing last_risky_exposure_on: %w", err)
	}
	return t, nil
}
