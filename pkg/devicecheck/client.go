// Package devicecheck implements a client for Apple's DeviceCheck API,
// used to read and write the two per-device persistence bits that back
// the iOS authorization state machine (pkg/iosauth).
package devicecheck

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
)

// failedToFindBitStateBody is the exact plain-text (non-JSON) body Apple
// returns the first time a device token is queried, before any bits have
// ever been set for it.
const failedToFindBitStateBody = "Failed to find bit state"

// ErrAPIUnavailable is returned when the DeviceCheck API could not be
// reached or returned a server error after retries.
var ErrAPIUnavailable = errors.New("devicecheck: api unavailable")

// ErrBadRequest is returned when the DeviceCheck API rejected the request
// as malformed (HTTP 4xx).
var ErrBadRequest = errors.New("devicecheck: bad request")

// BitState is the two-bit per-device state DeviceCheck persists on Apple's
// side. LastUpdateTime is "YYYY-MM" formatted, or empty if the bits have
// never been set.
type BitState struct {
	Bit0           bool   `json:"bit0"`
	Bit1           bool   `json:"bit1"`
	LastUpdateTime string `json:"last_update_time"`
}

// UsedInCurrentMonth reports whether the bits were last written in the
// month of now or in any later month.
func (b BitState) UsedInCurrentMonth(now time.Time) bool {
	if b.LastUpdateTime == "" {
		return false
	}
	last, err := time.Parse("2006-01", b.LastUpdateTime)
	if err != nil {
		return false
	}
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return !last.Before(currentMonth)
}

// IsDefaultConfiguration reports whether both bits are unset, the expected
// state before the first or second authorization read.
func (b BitState) IsDefaultConfiguration() bool {
	return !b.Bit0 && !b.Bit1
}

// IsAuthorized reports whether the bits match the expected state after the
// third authorization read (bit0 set, bit1 clear).
func (b BitState) IsAuthorized() bool {
	return b.Bit0 && !b.Bit1
}

// IsBlacklisted reports whether both bits are set, the terminal state for
// a device that failed the authorization protocol.
func (b BitState) IsBlacklisted() bool {
	return b.Bit0 && b.Bit1
}

// Client calls Apple's DeviceCheck query_two_bits / update_two_bits
// endpoints, signing every request with a freshly minted ES256 JWT as
// DeviceCheck requires.
type Client struct {
	baseURL    string
	teamID     string
	keyID      string
	signingKey *ecdsa.PrivateKey
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient builds a DeviceCheck client. certificateKeyPEM is Apple's
// PKCS8 EC private key in PEM form, as downloaded from the developer
// portal.
func NewClient(baseURL, teamID, keyID, certificateKeyPEM string, requestTimeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	key, err := parseECPrivateKey(certificateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing apple certificate key: %w", err)
	}

	return &Client{
		baseURL:    baseURL,
		teamID:     teamID,
		keyID:      keyID,
		signingKey: key,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}, nil
}

func parseECPrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an EC private key")
	}
	return ecKey, nil
}

// deviceCheckClaims are the claims Apple expects in the DeviceCheck bearer
// JWT: issuer and issued-at only.
type deviceCheckClaims struct {
	Issuer   string `json:"iss"`
	IssuedAt int64  `json:"iat"`
}

func (c *Client) bearerToken() (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: c.signingKey},
		(&jose.SignerOptions{}).WithHeader("kid", c.keyID),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	claims := deviceCheckClaims{
		Issuer:   c.teamID,
		IssuedAt: time.Now().Unix(),
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing devicecheck jwt: %w", err)
	}
	return token, nil
}

// commonPayload is embedded in every DeviceCheck request.
type commonPayload struct {
	TransactionID string `json:"transaction_id"`
	Timestamp     int64  `json:"timestamp"`
}

func newCommonPayload() commonPayload {
	return commonPayload{
		TransactionID: uuid.New().String(),
		Timestamp:     time.Now().UnixMilli(),
	}
}

type queryBitsRequest struct {
	commonPayload
	DeviceToken string `json:"device_token"`
}

type updateBitsRequest struct {
	commonPayload
	DeviceToken string `json:"device_token"`
	Bit0        bool   `json:"bit0"`
	Bit1        bool   `json:"bit1"`
}

// QueryTwoBits fetches the current persistence bits for a device token.
func (c *Client) QueryTwoBits(ctx context.Context, deviceToken string) (BitState, error) {
	payload := queryBitsRequest{commonPayload: newCommonPayload(), DeviceToken: deviceToken}

	body, err := c.postWithRetry(ctx, c.baseURL+"/query_two_bits", payload, "query")
	if err != nil {
		return BitState{}, err
	}

	if string(body) == failedToFindBitStateBody {
		return BitState{Bit0: false, Bit1: false}, nil
	}

	var state BitState
	if err := json.Unmarshal(body, &state); err != nil {
		return BitState{}, fmt.Errorf("decoding devicecheck response: %w", err)
	}
	return state, nil
}

// UpdateTwoBits sets the persistence bits for a device token.
func (c *Client) UpdateTwoBits(ctx context.Context, deviceToken string, bit0, bit1 bool) error {
	payload := updateBitsRequest{
		commonPayload: newCommonPayload(),
		DeviceToken:   deviceToken,
		Bit0:          bit0,
		Bit1:          bit1,
	}
	_, err := c.postWithRetry(ctx, c.baseURL+"/update_two_bits", payload, "update")
	return err
}

// postWithRetry posts a JSON payload, retrying up to twice more on
// transport errors and 5xx responses with exponential backoff bounded
// between 2 and 10 seconds; 4xx responses are not retried.
func (c *Client) postWithRetry(ctx context.Context, url string, payload any, outcomeLabel string) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding devicecheck payload: %w", err)
	}

	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}

	b := retry.NewExponential(2 * time.Second)
	b = retry.WithMaxRetries(2, b)
	b = retry.WithCappedDuration(10*time.Second, b)

	var respBody []byte
	start := time.Now()

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Warnw("devicecheck request transport error", "error", err)
			return retry.RetryableError(ErrAPIUnavailable)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("reading devicecheck response: %w", err))
		}

		switch {
		case resp.StatusCode >= 500:
			c.logger.Warnw("devicecheck api unavailable", "status", resp.StatusCode)
			return retry.RetryableError(ErrAPIUnavailable)
		case resp.StatusCode >= 400:
			c.logger.Warnw("devicecheck api rejected request", "status", resp.StatusCode)
			return ErrBadRequest
		}

		respBody = body
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel + "_error"
	}
	telemetry.DeviceCheckRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, ErrBadRequest
		}
		return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
	}
	return respBody, nil
}
