// Package store persists operational info and exposure payload documents
// to the durable document store, and sweeps documents past their
// retention window. Every document's identity comes from Mongo's own
// ObjectID, never from anything that could be traced back to a device.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/exposure"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
)

// OperationalInfoDocument is the document shape stored for each
// operational info record.
type OperationalInfoDocument struct {
	ID                     bson.ObjectID `bson:"_id,omitempty"`
	Platform               string        `bson:"platform"`
	Province               string        `bson:"province"`
	ExposurePermission     bool          `bson:"exposure_permission"`
	BluetoothActive        bool          `bson:"bluetooth_active"`
	NotificationPermission bool          `bson:"notification_permission"`
	ExposureNotification   bool          `bson:"exposure_notification"`
	LastRiskyExposureOn    string        `bson:"last_risky_exposure_on,omitempty"`
}

// ExposurePayloadDocument is the document shape stored for each exposure
// payload.
type ExposurePayloadDocument struct {
	ID                         bson.ObjectID               `bson:"_id,omitempty"`
	Province                   string                      `bson:"province"`
	SymptomsStartedOn          string                      `bson:"symptoms_started_on,omitempty"`
	ExposureDetectionSummaries []exposure.DetectionSummary `bson:"exposure_detection_summaries"`
}

// OperationalInfoStore persists operational info documents.
type OperationalInfoStore struct {
	collection *mongo.Collection
}

// NewOperationalInfoStore wraps the operational_info collection of db.
func NewOperationalInfoStore(db *mongo.Database) *OperationalInfoStore {
	return &OperationalInfoStore{collection: db.Collection("operational_info")}
}

// InsertOne saves a single operational info record.
func (s *OperationalInfoStore) InsertOne(ctx context.Context, record operationalinfo.Record) error {
	doc := OperationalInfoDocument{
		Platform:               string(record.Platform),
		Province:               record.Province,
		ExposurePermission:     record.ExposurePermission,
		BluetoothActive:        record.BluetoothActive,
		NotificationPermission: record.NotificationPermission,
		ExposureNotification:   record.ExposureNotification,
		LastRiskyExposureOn:    record.LastRiskyExposureOn,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting operational info: %w", err)
	}
	telemetry.StoredOperationalInfoTotal.Inc()
	return nil
}

// DeleteOlderThan removes every document inserted before reference,
// keying off the timestamp embedded in each document's ObjectID rather
// than a separate field.
func (s *OperationalInfoStore) DeleteOlderThan(ctx context.Context, reference time.Time) (int64, error) {
	return deleteOlderThan(ctx, s.collection, reference)
}

// ExposurePayloadStore persists exposure payload documents.
type ExposurePayloadStore struct {
	collection *mongo.Collection
}

// NewExposurePayloadStore wraps the exposure_payload collection of db.
func NewExposurePayloadStore(db *mongo.Database) *ExposurePayloadStore {
	return &ExposurePayloadStore{collection: db.Collection("exposure_payload")}
}

// InsertMany batch-inserts a set of exposure payloads drained in one
// cycle.
func (s *ExposurePayloadStore) InsertMany(ctx context.Context, payloads []exposure.Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	docs := make([]any, len(payloads))
	for i, p := range payloads {
		docs[i] = ExposurePayloadDocument{
			Province:                   p.Province,
			SymptomsStartedOn:          p.SymptomsStartedOn,
			ExposureDetectionSummaries: p.ExposureDetectionSummaries,
		}
	}

	if _, err := s.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("inserting exposure payloads: %w", err)
	}
	telemetry.StoredExposurePayloadTotal.Add(float64(len(payloads)))
	return nil
}

// DeleteOlderThan removes every document inserted before reference.
func (s *ExposurePayloadStore) DeleteOlderThan(ctx context.Context, reference time.Time) (int64, error) {
	return deleteOlderThan(ctx, s.collection, reference)
}

func deleteOlderThan(ctx context.Context, collection *mongo.Collection, reference time.Time) (int64, error) {
	cutoff := bson.NewObjectIDFromTimestamp(reference)
	result, err := collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$lte": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("deleting documents older than %s: %w", reference, err)
	}
	return result.DeletedCount, nil
}
