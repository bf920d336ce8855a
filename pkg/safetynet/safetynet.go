// Package safetynet verifies Android SafetyNet attestations: a JWS token
// signed by Google, chained to a certificate issued to attest.android.com,
// whose payload must match a nonce derived from the submitted operational
// info and a client-chosen salt.
package safetynet

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrVerificationFailed is returned for any failure of the decode,
// certificate-chain, signature, or payload validation steps. The failing
// step's message is kept in the error text for logging, but only this
// sentinel is wrapped: callers outside this package only need to know
// verification failed.
var ErrVerificationFailed = errors.New("safetynet: attestation verification failed")

// OperationalInfo is the subset of the operational-info payload the nonce
// is derived from.
type OperationalInfo struct {
	Province               string
	ExposurePermission     bool
	BluetoothActive        bool
	NotificationPermission bool
	ExposureNotification   bool
}

// Config holds the parameters against which an attestation is checked.
type Config struct {
	IssuerHostname string
	PackageName    string
	APKDigest      string
	MaxSkew        time.Duration
}

type attestationPayload struct {
	TimestampMs                int64    `json:"timestampMs"`
	Nonce                      string   `json:"nonce"`
	APKPackageName             string   `json:"apkPackageName"`
	APKCertificateDigestSha256 []string `json:"apkCertificateDigestSha256"`
	BasicIntegrity             bool     `json:"basicIntegrity"`
	CtsProfileMatch            bool     `json:"ctsProfileMatch"`
	EvaluationType             string   `json:"evaluationType"`
}

// VerifyAttestation validates a SafetyNet JWS attestation against salt,
// info, and lastRiskyExposureOn (an ISO date string, or empty).
func VerifyAttestation(cfg Config, jws, salt string, info OperationalInfo, lastRiskyExposureOn string) error {
	certificates, err := extractCertificates(jws)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if err := validateCertificateChain(certificates, cfg.IssuerHostname); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	payload, err := verifySignatureAndExtractPayload(jws, certificates[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if err := validatePayload(cfg, payload, salt, info, lastRiskyExposureOn); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	return nil
}

// jwsHeader is the subset of the JWS protected header this package reads.
type jwsHeader struct {
	X5C []string `json:"x5c"`
}

// extractCertificates splits the JWS, decodes the protected header, and
// decodes the x5c certificate chain it carries (leaf first).
func extractCertificates(jws string) ([]*x509.Certificate, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jws: expected 3 parts, got %d", len(parts))
	}

	headerJSON, err := decodeBase64URLPart(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decoding jws header: %w", err)
	}

	var header jwsHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("parsing jws header: %w", err)
	}
	if len(header.X5C) == 0 {
		return nil, errors.New("jws header missing x5c certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(header.X5C))
	for _, encoded := range header.X5C {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding x5c entry: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing x5c certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// decodeBase64URLPart restores the padding JWS strips from its base64url
// segments before decoding.
func decodeBase64URLPart(part string) ([]byte, error) {
	if pad := len(part) % 4; pad != 0 {
		part += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(part)
}

// validateCertificateChain verifies the chain up to a trusted root and
// that the leaf certificate was issued for issuerHostname.
func validateCertificateChain(certs []*x509.Certificate, issuerHostname string) error {
	leaf := certs[0]

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       issuerHostname,
		Intermediates: intermediates,
	}); err != nil {
		return fmt.Errorf("verifying certificate chain: %w", err)
	}
	return nil
}

// verifySignatureAndExtractPayload checks the JWS signature against the
// leaf certificate's RSA public key and returns the decoded payload.
func verifySignatureAndExtractPayload(jws string, leaf *x509.Certificate) (attestationPayload, error) {
	publicKey, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return attestationPayload{}, errors.New("leaf certificate public key is not RSA")
	}

	signature, err := jose.ParseSigned(jws, []jose.SignatureAlgorithm{jose.RS256, jose.RS384, jose.RS512})
	if err != nil {
		return attestationPayload{}, fmt.Errorf("parsing jws signature: %w", err)
	}

	payloadBytes, err := signature.Verify(publicKey)
	if err != nil {
		return attestationPayload{}, fmt.Errorf("verifying jws signature: %w", err)
	}

	var payload attestationPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return attestationPayload{}, fmt.Errorf("parsing jws payload: %w", err)
	}
	return payload, nil
}

// GenerateNonce derives the expected payload nonce the same way the client
// does: a SHA-256 digest of province, the four boolean flags (as "0"/"1"),
// the last risky exposure date, and the salt, base64-encoded.
func GenerateNonce(info OperationalInfo, lastRiskyExposureOn, salt string) string {
	raw := fmt.Sprintf("%s%s%s%s%s%s%s",
		info.Province,
		boolDigit(info.ExposurePermission),
		boolDigit(info.BluetoothActive),
		boolDigit(info.NotificationPermission),
		boolDigit(info.ExposureNotification),
		lastRiskyExposureOn,
		salt,
	)
	digest := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(digest[:])
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func validatePayload(cfg Config, payload attestationPayload, salt string, info OperationalInfo, lastRiskyExposureOn string) error {
	now := time.Now()
	lowerBound := now.Add(-cfg.MaxSkew).UnixMilli()
	upperBound := now.Add(cfg.MaxSkew).UnixMilli()

	switch {
	case payload.TimestampMs < lowerBound || payload.TimestampMs > upperBound:
		return errors.New("timestamp outside allowed skew window")
	case payload.Nonce != GenerateNonce(info, lastRiskyExposureOn, salt):
		return errors.New("nonce mismatch")
	case payload.APKPackageName != cfg.PackageName:
		return errors.New("unexpected apk package name")
	case len(payload.APKCertificateDigestSha256) == 0 || payload.APKCertificateDigestSha256[0] != cfg.APKDigest:
		return errors.New("unexpected apk certificate digest")
	case !payload.BasicIntegrity:
		return errors.New("basicIntegrity is false")
	case !payload.CtsProfileMatch:
		return errors.New("ctsProfileMatch is false")
	case !hasEvaluationType(payload.EvaluationType, "HARDWARE_BACKED"):
		return errors.New("evaluationType is not HARDWARE_BACKED")
	}
	return nil
}

// hasEvaluationType reports whether want appears as an exact token in the
// comma-separated evaluationType list. Substring matches must not count:
// "NOT_HARDWARE_BACKED" is not "HARDWARE_BACKED".
func hasEvaluationType(list, want string) bool {
	for _, token := range strings.Split(list, ",") {
		if token == want {
			return true
		}
	}
	return false
}

// SaltRedisKey builds the Redis key used to record a salt as spent, so it
// can never be replayed in a second submission.
func SaltRedisKey(salt string) string {
	return "~safetynet-used-salt:" + salt
}
