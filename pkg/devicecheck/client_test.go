package devicecheck

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestBitState_Classification(t *testing.T) {
	tests := []struct {
		name            string
		state           BitState
		wantDefault     bool
		wantAuthorized  bool
		wantBlacklisted bool
	}{
		{"both unset", BitState{Bit0: false, Bit1: false}, true, false, false},
		{"authorized", BitState{Bit0: true, Bit1: false}, false, true, false},
		{"blacklisted", BitState{Bit0: true, Bit1: true}, false, false, true},
		{"bit1 only", BitState{Bit0: false, Bit1: true}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.IsDefaultConfiguration(); got != tt.wantDefault {
				t.Errorf("IsDefaultConfiguration() = %v, want %v", got, tt.wantDefault)
			}
			if got := tt.state.IsAuthorized(); got != tt.wantAuthorized {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.wantAuthorized)
			}
			if got := tt.state.IsBlacklisted(); got != tt.wantBlacklisted {
				t.Errorf("IsBlacklisted() = %v, want %v", got, tt.wantBlacklisted)
			}
		})
	}
}

func TestBitState_UsedInCurrentMonth(t *testing.T) {
	now := time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC)

	if (BitState{LastUpdateTime: ""}).UsedInCurrentMonth(now) {
		t.Error("empty LastUpdateTime should not count as used")
	}
	if !(BitState{LastUpdateTime: "2021-06"}).UsedInCurrentMonth(now) {
		t.Error("same-month LastUpdateTime should count as used")
	}
	if (BitState{LastUpdateTime: "2021-05"}).UsedInCurrentMonth(now) {
		t.Error("past-month LastUpdateTime should not count as used")
	}
}

func TestClient_QueryTwoBits_NeverSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(failedToFindBitStateBody))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "TEAM123", "KEY123", testKeyPEM(t), 5*time.Second, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	state, err := c.QueryTwoBits(context.Background(), "devicetoken")
	if err != nil {
		t.Fatalf("QueryTwoBits() error = %v", err)
	}
	if state.Bit0 || state.Bit1 {
		t.Errorf("QueryTwoBits() on never-set device = %+v, want both bits false", state)
	}
}

func TestClient_QueryTwoBits_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bit0":true,"bit1":false,"last_update_time":"2021-06"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "TEAM123", "KEY123", testKeyPEM(t), 5*time.Second, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	state, err := c.QueryTwoBits(context.Background(), "devicetoken")
	if err != nil {
		t.Fatalf("QueryTwoBits() error = %v", err)
	}
	if !state.IsAuthorized() {
		t.Errorf("QueryTwoBits() = %+v, want authorized", state)
	}
}

func TestClient_BadRequest_NotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "TEAM123", "KEY123", testKeyPEM(t), 5*time.Second, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.QueryTwoBits(context.Background(), "devicetoken")
	if err != ErrBadRequest {
		t.Errorf("QueryTwoBits() error = %v, want ErrBadRequest", err)
	}
	if calls != 1 {
		t.Errorf("server received %d calls, want exactly 1 (no retry on 4xx)", calls)
	}
}
