package operationalinfo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
)

func TestEnqueue_RoundTrips(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := kv.New(client)

	enqueuer := NewEnqueuer(store, "operational-info:ios")
	record := Record{
		Platform:               PlatformIOS,
		Province:               "AG",
		ExposurePermission:     true,
		BluetoothActive:        true,
		NotificationPermission: true,
		ExposureNotification:   false,
	}

	if err := enqueuer.Enqueue(context.Background(), record); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	batch, err := store.DrainBatch(context.Background(), "operational-info:ios", 10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 queued element, got %d", len(batch))
	}

	var got Record
	if err := json.Unmarshal([]byte(batch[0]), &got); err != nil {
		t.Fatalf("unmarshal queued element: %v", err)
	}
	if got != record {
		t.Errorf("round-tripped record = %+v, want %+v", got, record)
	}
}

func TestParseLastRiskyExposureOn(t *testing.T) {
	if got, err := ParseLastRiskyExposureOn(""); err != nil || !got.IsZero() {
		t.Errorf("ParseLastRiskyExposureOn(\"\") = %v, %v, want zero time, nil", got, err)
	}

	got, err := ParseLastRiskyExposureOn("2021-01-15")
	if err != nil {
		t.Fatalf("ParseLastRiskyExposureOn() error = %v", err)
	}
	if got.Year() != 2021 || got.Month() != 1 || got.Day() != 15 {
		t.Errorf("ParseLastRiskyExposureOn() = %v, want 2021-01-15", got)
	}

	if _, err := ParseLastRiskyExposureOn("not-a-date"); err == nil {
		t.Error("ParseLastRiskyExposureOn() on malformed input should error")
	}
}
