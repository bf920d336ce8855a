package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/pkg/broker"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
	"github.com/immuni-app/immuni-backend-analytics/pkg/quota"
	"github.com/immuni-app/immuni-backend-analytics/pkg/safetynet"
)

const (
	testOperationalInfoQueue = "operational_info"
	testBrokerQueue          = "analytics_jobs"
)

func validToken() string {
	return strings.Repeat("a", 128)
}

func newTestHandlers(t *testing.T) (*Handlers, *kv.Store, *quota.Ledger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	kvStore := kv.New(client)
	ledger := quota.New(kvStore, 62)
	enqueuer := operationalinfo.NewEnqueuer(kvStore, testOperationalInfoQueue)

	b := broker.New(kvStore, testBrokerQueue, zap.NewNop().Sugar())
	limits := Limits{
		AnalyticsTokenSize:         128,
		SaltLength:                 24,
		SignedAttestationMaxLength: 10000,
		DeviceTokenMaxLength:       10000,
	}
	return NewHandlers(ledger, kvStore, enqueuer, b, limits, zap.NewNop().Sugar()), kvStore, ledger
}

func appleBody(exposureNotification int) string {
	if exposureNotification == 1 {
		return `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":1,"last_risky_exposure_on":"2021-01-10"}`
	}
	return `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0}`
}

func postApple(h *Handlers, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/analytics/apple/operational-info", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.PostAppleOperationalInfo(rec, req)
	return rec
}

func TestPostAppleOperationalInfo_ConsumesQuotaOnce(t *testing.T) {
	h, kvStore, ledger := newTestHandlers(t)
	ctx := context.Background()
	now := time.Now()

	if err := ledger.Authorize(ctx, validToken(), now); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	rec := postApple(h, validToken(), appleBody(1))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first upload status = %d, want 204", rec.Code)
	}

	queued, err := kvStore.DrainBatch(ctx, testOperationalInfoQueue, 10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected exactly 1 enqueued record, got %d", len(queued))
	}
	var record operationalinfo.Record
	if err := json.Unmarshal([]byte(queued[0]), &record); err != nil {
		t.Fatalf("unmarshal enqueued record: %v", err)
	}
	if record.Platform != operationalinfo.PlatformIOS || !record.ExposureNotification {
		t.Errorf("enqueued record = %+v, want ios with exposure notification", record)
	}

	// The with-exposure member is spent; the without-exposure one survives.
	consumed, err := ledger.ConsumeForCurrentMonth(ctx, validToken(), false, now)
	if err != nil {
		t.Fatalf("ConsumeForCurrentMonth() error = %v", err)
	}
	if !consumed {
		t.Error("without-exposure member should still be consumable")
	}

	rec = postApple(h, validToken(), appleBody(1))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second upload status = %d, want 204 (indistinguishable from success)", rec.Code)
	}
	queued, _ = kvStore.DrainBatch(ctx, testOperationalInfoQueue, 10)
	if len(queued) != 0 {
		t.Errorf("second upload with a spent quota enqueued %d records, want 0", len(queued))
	}
}

func TestPostAppleOperationalInfo_DropsRiskyDateWithoutExposureFlag(t *testing.T) {
	h, kvStore, ledger := newTestHandlers(t)
	ctx := context.Background()

	if err := ledger.Authorize(ctx, validToken(), time.Now()); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	body := `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0,"last_risky_exposure_on":"2021-01-10"}`
	rec := postApple(h, validToken(), body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	queued, _ := kvStore.DrainBatch(ctx, testOperationalInfoQueue, 10)
	if len(queued) != 1 {
		t.Fatalf("expected 1 enqueued record, got %d", len(queued))
	}
	var record operationalinfo.Record
	if err := json.Unmarshal([]byte(queued[0]), &record); err != nil {
		t.Fatalf("unmarshal enqueued record: %v", err)
	}
	if record.LastRiskyExposureOn != "" {
		t.Errorf("LastRiskyExposureOn = %q, want absent when exposure_notification is 0", record.LastRiskyExposureOn)
	}
}

func TestPostAppleOperationalInfo_SchemaViolations(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	tests := []struct {
		name  string
		token string
		body  string
	}{
		{"uppercase hex token", strings.ToUpper(validToken()), appleBody(0)},
		{"short token", "abc123", appleBody(0)},
		{"missing bearer", "", appleBody(0)},
		{"boolean literal flag", validToken(), `{"province":"RM","exposure_permission":true,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0}`},
		{"missing flag", validToken(), `{"province":"RM","bluetooth_active":1,"notification_permission":1,"exposure_notification":0}`},
		{"bad province", validToken(), `{"province":"ROM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0}`},
		{"pre-epidemic date", validToken(), `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":1,"last_risky_exposure_on":"2019-01-10"}`},
		{"unknown field", validToken(), `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0,"extra":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postApple(h, tt.token, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal 400 body: %v", err)
			}
			if resp["message"] != "Request not compliant with the defined schema." {
				t.Errorf("message = %q, want the uniform schema violation message", resp["message"])
			}
		})
	}
}

func TestAuthorizeToken_SchedulesThenReports(t *testing.T) {
	h, kvStore, ledger := newTestHandlers(t)
	ctx := context.Background()

	body := `{"analytics_token":"` + validToken() + `","device_token":"ZGV2aWNl"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/analytics/apple/token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.AuthorizeToken(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status for unauthorized token = %d, want 202", rec.Code)
	}
	jobs, err := kvStore.DrainBatch(ctx, testBrokerQueue, 10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(jobs) != 1 || !strings.Contains(jobs[0], JobAuthorizeIOSToken) {
		t.Fatalf("broker queue = %v, want one %s job", jobs, JobAuthorizeIOSToken)
	}

	if err := ledger.Authorize(ctx, validToken(), time.Now()); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/analytics/apple/token", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.AuthorizeToken(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status for authorized token = %d, want 201", rec.Code)
	}
	jobs, _ = kvStore.DrainBatch(ctx, testBrokerQueue, 10)
	if len(jobs) != 0 {
		t.Errorf("an already-authorized token should not schedule a job, got %d", len(jobs))
	}
}

func TestPostAndroidOperationalInfo_SchedulesVerification(t *testing.T) {
	h, kvStore, _ := newTestHandlers(t)
	ctx := context.Background()

	salt := strings.Repeat("A", 24)
	body := `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0,"salt":"` + salt + `","signed_attestation":"xyz"}`

	req := httptest.NewRequest(http.MethodPost, "/v1/analytics/google/operational-info", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PostAndroidOperationalInfo(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	jobs, err := kvStore.DrainBatch(ctx, testBrokerQueue, 10)
	if err != nil {
		t.Fatalf("DrainBatch() error = %v", err)
	}
	if len(jobs) != 1 || !strings.Contains(jobs[0], JobVerifySafetyNetAttestation) {
		t.Fatalf("broker queue = %v, want one %s job", jobs, JobVerifySafetyNetAttestation)
	}
}

func TestPostAndroidOperationalInfo_ReusedSaltFastPath(t *testing.T) {
	h, kvStore, _ := newTestHandlers(t)
	ctx := context.Background()

	salt := strings.Repeat("A", 24)
	if _, err := kvStore.SetNX(ctx, safetynet.SaltRedisKey(salt), "1", 600); err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}

	body := `{"province":"RM","exposure_permission":1,"bluetooth_active":1,"notification_permission":1,"exposure_notification":0,"salt":"` + salt + `","signed_attestation":"xyz"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/analytics/google/operational-info", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PostAndroidOperationalInfo(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 even for a reused salt", rec.Code)
	}
	jobs, _ := kvStore.DrainBatch(ctx, testBrokerQueue, 10)
	if len(jobs) != 0 {
		t.Errorf("a reused salt must not schedule a verification job, got %d", len(jobs))
	}
}
