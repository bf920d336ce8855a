// Package jobs registers the two asynchronous handlers the broker
// dispatches: iOS analytics-token authorization and Android SafetyNet
// attestation verification. Each handler registers itself explicitly at
// startup against an already-constructed broker.Broker, so the worker
// process never needs a lazy or cyclic import to learn what job types
// exist.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/api"
	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/broker"
	"github.com/immuni-app/immuni-backend-analytics/pkg/iosauth"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
	"github.com/immuni-app/immuni-backend-analytics/pkg/safetynet"
)

// RegisterIOSAuthorization binds the iOS analytics-token authorization job
// type to the given Authorizer.
func RegisterIOSAuthorization(b *broker.Broker, authorizer *iosauth.Authorizer) {
	b.Register(api.JobAuthorizeIOSToken, func(ctx context.Context, payload json.RawMessage) error {
		var job api.AuthorizeIOSTokenJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decoding ios authorization job: %w", err)
		}
		return authorizer.Authorize(ctx, job.AnalyticsToken, job.DeviceToken)
	})
}

// RegisterSafetyNetVerification binds the Android SafetyNet verification
// job type to a handler that verifies the attestation, records the salt
// as spent (single-use, enforced by an atomic set-if-absent), and only on
// that success enqueues the operational info for later ingestion.
func RegisterSafetyNetVerification(
	b *broker.Broker,
	cfg safetynet.Config,
	kvStore *kv.Store,
	enqueuer *operationalinfo.Enqueuer,
	saltTTLSeconds int64,
	logger *zap.SugaredLogger,
) {
	b.Register(api.JobVerifySafetyNetAttestation, func(ctx context.Context, payload json.RawMessage) error {
		var job api.VerifySafetyNetAttestationJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decoding safetynet verification job: %w", err)
		}

		info := safetynet.OperationalInfo{
			Province:               job.OperationalInfo.Province,
			ExposurePermission:     job.OperationalInfo.ExposurePermission,
			BluetoothActive:        job.OperationalInfo.BluetoothActive,
			NotificationPermission: job.OperationalInfo.NotificationPermission,
			ExposureNotification:   job.OperationalInfo.ExposureNotification,
		}

		if err := safetynet.VerifyAttestation(cfg, job.SignedAttestation, job.Salt, info, job.LastRiskyExposureOn); err != nil {
			logger.Warnw("safetynet attestation rejected", "error", err)
			telemetry.SafetyNetVerificationTotal.WithLabelValues("rejected").Inc()
			return nil
		}

		firstUse, err := kvStore.SetNX(ctx, safetynet.SaltRedisKey(job.Salt), "1", saltTTLSeconds)
		if err != nil {
			return fmt.Errorf("recording salt as spent: %w", err)
		}
		if !firstUse {
			logger.Warnw("dropping verified attestation for salt already spent by a concurrent submission", "salt", job.Salt)
			telemetry.SafetyNetVerificationTotal.WithLabelValues("reused_salt").Inc()
			return nil
		}
		telemetry.SafetyNetVerificationTotal.WithLabelValues("verified").Inc()

		if err := enqueuer.Enqueue(ctx, job.OperationalInfo); err != nil {
			return fmt.Errorf("enqueueing verified android operational info: %w", err)
		}
		return nil
	})
}

// SaltTTLSeconds derives the single-use-salt TTL from the configured
// attestation clock-skew tolerance, matching the data model's invariant
// that a salt can't be replayed for as long as a fresh attestation could
// still claim to be within skew of now.
func SaltTTLSeconds(maxSkew time.Duration) int64 {
	return int64(maxSkew.Seconds())
}
