package ingest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
)

func newTestDrainer(t *testing.T) (*Drainer, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.New(client)

	// The exposure/operational-info stores are left nil: both call paths
	// short-circuit before touching the store when every queued element is
	// malformed, which is exactly what these tests exercise.
	drainer := NewDrainer(store, nil, nil,
		"operational_info", "ingested_exposure_data", "errors_exposure_data",
		10, 10, zap.NewNop().Sugar())
	return drainer, store
}

func TestDrainExposurePayloads_SidelinesMalformed(t *testing.T) {
	drainer, store := newTestDrainer(t)
	ctx := context.Background()

	if err := store.RPush(ctx, "ingested_exposure_data", `{"province": ""}`); err != nil {
		t.Fatalf("RPush() error = %v", err)
	}

	if err := drainer.DrainExposurePayloads(ctx); err != nil {
		t.Fatalf("DrainExposurePayloads() error = %v", err)
	}

	errored, err := store.DrainBatch(ctx, "errors_exposure_data", 10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(errored) != 1 {
		t.Fatalf("expected 1 sidelined element, got %d", len(errored))
	}
}

func TestDrainOperationalInfo_DiscardsMalformedJSON(t *testing.T) {
	drainer, store := newTestDrainer(t)
	ctx := context.Background()

	if err := store.RPush(ctx, "operational_info", `not json`); err != nil {
		t.Fatalf("RPush() error = %v", err)
	}

	if err := drainer.DrainOperationalInfo(ctx); err != nil {
		t.Fatalf("DrainOperationalInfo() error = %v", err)
	}

	remaining, err := store.Len(ctx, "operational_info")
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected the malformed element to be drained off the queue, %d remain", remaining)
	}
}

func TestNewScheduler_RejectsInvalidCronExpression(t *testing.T) {
	drainer, _ := newTestDrainer(t)
	sweeper := NewRetentionSweeper(nil, nil, 0, zap.NewNop().Sugar())

	if _, err := NewScheduler(drainer, sweeper, "not a cron expression", "* * * * *", "0 0 * * *", zap.NewNop().Sugar()); err == nil {
		t.Error("NewScheduler() with an invalid cron expression should error")
	}
}

func TestNewScheduler_AcceptsValidExpressions(t *testing.T) {
	drainer, _ := newTestDrainer(t)
	sweeper := NewRetentionSweeper(nil, nil, 0, zap.NewNop().Sugar())

	if _, err := NewScheduler(drainer, sweeper, "* * * * *", "* * * * *", "0 0 * * *", zap.NewNop().Sugar()); err != nil {
		t.Errorf("NewScheduler() error = %v", err)
	}
}
