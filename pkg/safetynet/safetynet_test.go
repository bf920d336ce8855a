package safetynet

import (
	"testing"
	"time"
)

func TestGenerateNonce_Deterministic(t *testing.T) {
	info := OperationalInfo{
		Province:               "AG",
		ExposurePermission:     true,
		BluetoothActive:        true,
		NotificationPermission: false,
		ExposureNotification:   true,
	}

	n1 := GenerateNonce(info, "2021-01-15", "salt123")
	n2 := GenerateNonce(info, "2021-01-15", "salt123")
	if n1 != n2 {
		t.Error("GenerateNonce() should be deterministic for identical inputs")
	}

	n3 := GenerateNonce(info, "2021-01-15", "different-salt")
	if n1 == n3 {
		t.Error("GenerateNonce() should differ when the salt differs")
	}

	other := info
	other.BluetoothActive = false
	n4 := GenerateNonce(other, "2021-01-15", "salt123")
	if n1 == n4 {
		t.Error("GenerateNonce() should differ when a flag differs")
	}
}

func TestValidatePayload(t *testing.T) {
	cfg := Config{
		IssuerHostname: "attest.android.com",
		PackageName:    "it.ministerodellasalute.immuni",
		APKDigest:      "abc123",
		MaxSkew:        10 * time.Minute,
	}
	info := OperationalInfo{Province: "RM", ExposurePermission: true}
	nonce := GenerateNonce(info, "", "salt1")

	valid := attestationPayload{
		TimestampMs:                time.Now().UnixMilli(),
		Nonce:                      nonce,
		APKPackageName:             cfg.PackageName,
		APKCertificateDigestSha256: []string{cfg.APKDigest},
		BasicIntegrity:             true,
		CtsProfileMatch:            true,
		EvaluationType:             "BASIC,HARDWARE_BACKED",
	}

	if err := validatePayload(cfg, valid, "salt1", info, ""); err != nil {
		t.Errorf("validatePayload() on valid payload error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p attestationPayload) attestationPayload
	}{
		{"stale timestamp", func(p attestationPayload) attestationPayload {
			p.TimestampMs = time.Now().Add(-time.Hour).UnixMilli()
			return p
		}},
		{"wrong nonce", func(p attestationPayload) attestationPayload {
			p.Nonce = "not-the-nonce"
			return p
		}},
		{"wrong package name", func(p attestationPayload) attestationPayload {
			p.APKPackageName = "com.evil.app"
			return p
		}},
		{"wrong apk digest", func(p attestationPayload) attestationPayload {
			p.APKCertificateDigestSha256 = []string{"wrong"}
			return p
		}},
		{"basicIntegrity false", func(p attestationPayload) attestationPayload {
			p.BasicIntegrity = false
			return p
		}},
		{"ctsProfileMatch false", func(p attestationPayload) attestationPayload {
			p.CtsProfileMatch = false
			return p
		}},
		{"not hardware backed", func(p attestationPayload) attestationPayload {
			p.EvaluationType = "BASIC"
			return p
		}},
		{"hardware backed only as substring", func(p attestationPayload) attestationPayload {
			p.EvaluationType = "BASIC,NOT_HARDWARE_BACKED"
			return p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validatePayload(cfg, tt.mutate(valid), "salt1", info, ""); err == nil {
				t.Error("validatePayload() = nil, want error")
			}
		})
	}
}

func TestSaltRedisKey(t *testing.T) {
	got := SaltRedisKey("abc")
	want := "~safetynet-used-salt:abc"
	if got != want {
		t.Errorf("SaltRedisKey() = %q, want %q", got, want)
	}
}
