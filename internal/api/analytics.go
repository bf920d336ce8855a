package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/httpserver"
	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/broker"
	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
	"github.com/immuni-app/immuni-backend-analytics/pkg/operationalinfo"
	"github.com/immuni-app/immuni-backend-analytics/pkg/quota"
	"github.com/immuni-app/immuni-backend-analytics/pkg/safetynet"
)

// Job type names dispatched through the broker. Handlers never invoke
// pkg/iosauth or pkg/safetynet directly: they enqueue, and the worker
// process registers the handlers that do.
const (
	JobAuthorizeIOSToken          = "authorize_ios_token"
	JobVerifySafetyNetAttestation = "verify_safetynet_attestation"
)

// AuthorizeIOSTokenJob is the payload enqueued for the iOS authorization
// worker.
type AuthorizeIOSTokenJob struct {
	AnalyticsToken string `json:"analytics_token"`
	DeviceToken    string `json:"device_token"`
}

// VerifySafetyNetAttestationJob is the payload enqueued for the Android
// SafetyNet verification worker. LastRiskyExposureOn carries the raw
// client value regardless of the exposure_notification flag, since the
// nonce is derived from exactly what the client encoded.
type VerifySafetyNetAttestationJob struct {
	SignedAttestation   string                 `json:"signed_attestation"`
	Salt                string                 `json:"salt"`
	OperationalInfo     operationalinfo.Record `json:"operational_info"`
	LastRiskyExposureOn string                 `json:"last_risky_exposure_on,omitempty"`
}

// Limits carries the configurable size bounds applied to request fields
// beyond what static struct tags can express.
type Limits struct {
	AnalyticsTokenSize         int
	SaltLength                 int
	SignedAttestationMaxLength int
	DeviceTokenMaxLength       int
}

// operationalInfoFields are the fields shared by both platforms' upload
// requests. IntegerBool enforces the wire format's 0/1 integers instead
// of JSON boolean literals; the flags are pointers so that an absent
// field fails validation rather than silently reading as 0.
type operationalInfoFields struct {
	Province               string       `json:"province" validate:"required,len=2,alpha,uppercase"`
	ExposurePermission     *IntegerBool `json:"exposure_permission" validate:"required"`
	BluetoothActive        *IntegerBool `json:"bluetooth_active" validate:"required"`
	NotificationPermission *IntegerBool `json:"notification_permission" validate:"required"`
	ExposureNotification   *IntegerBool `json:"exposure_notification" validate:"required"`
	LastRiskyExposureOn    string       `json:"last_risky_exposure_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// toRecord builds the canonical record, enforcing the invariant that
// last_risky_exposure_on is only ever persisted alongside a true
// exposure_notification flag.
func (f operationalInfoFields) toRecord(platform operationalinfo.Platform) operationalinfo.Record {
	lastRiskyExposureOn := f.LastRiskyExposureOn
	if !bool(*f.ExposureNotification) {
		lastRiskyExposureOn = ""
	}
	return operationalinfo.Record{
		Platform:               platform,
		Province:               f.Province,
		ExposurePermission:     bool(*f.ExposurePermission),
		BluetoothActive:        bool(*f.BluetoothActive),
		NotificationPermission: bool(*f.NotificationPermission),
		ExposureNotification:   bool(*f.ExposureNotification),
		LastRiskyExposureOn:    lastRiskyExposureOn,
	}
}

// wellFormed applies the checks struct tags cannot express: the risky
// exposure date, when present, must be a plausible date of the epidemic.
func (f operationalInfoFields) wellFormed() bool {
	if f.LastRiskyExposureOn == "" {
		return true
	}
	parsed, err := operationalinfo.ParseLastRiskyExposureOn(f.LastRiskyExposureOn)
	if err != nil {
		return false
	}
	return parsed.Year() >= 2020
}

// AppleOperationalInfoRequest is the body of the iOS upload endpoint. The
// analytics token travels in the Authorization header, not the body.
type AppleOperationalInfoRequest struct {
	operationalInfoFields
}

// AndroidOperationalInfoRequest is the body of the Android upload
// endpoint.
type AndroidOperationalInfoRequest struct {
	operationalInfoFields
	Salt              string `json:"salt" validate:"required,base64"`
	SignedAttestation string `json:"signed_attestation" validate:"required"`
}

// AuthorizeTokenRequest is the body of the iOS token-authorization
// endpoint.
type AuthorizeTokenRequest struct {
	AnalyticsToken string `json:"analytics_token" validate:"required"`
	DeviceToken    string `json:"device_token" validate:"required,base64"`
}

// Handlers implements the three public endpoints.
type Handlers struct {
	ledger               *quota.Ledger
	kv                   *kv.Store
	operationalInfoQueue *operationalinfo.Enqueuer
	broker               *broker.Broker
	limits               Limits
	logger               *zap.SugaredLogger
}

// NewHandlers creates Handlers.
func NewHandlers(
	ledger *quota.Ledger,
	kvStore *kv.Store,
	operationalInfoQueue *operationalinfo.Enqueuer,
	brokerInstance *broker.Broker,
	limits Limits,
	logger *zap.SugaredLogger,
) *Handlers {
	return &Handlers{
		ledger:               ledger,
		kv:                   kvStore,
		operationalInfoQueue: operationalInfoQueue,
		broker:               brokerInstance,
		limits:               limits,
		logger:               logger,
	}
}

// PostAppleOperationalInfo handles POST /v1/analytics/apple/operational-info.
// Every schema-valid request gets 204: whether the token's quota was
// already consumed, or the record was truly enqueued, is never observable
// to the client. Schema violations get 400, and a coordination-store
// error while consuming the quota gets 500.
func (h *Handlers) PostAppleOperationalInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if !isAnalyticsToken(token, h.limits.AnalyticsTokenSize) {
		respondSchemaViolation(w)
		return
	}

	var req AppleOperationalInfoRequest
	if !h.bindRequest(w, r, &req) {
		return
	}
	if !req.wellFormed() {
		respondSchemaViolation(w)
		return
	}

	ctx := r.Context()
	consumed, err := h.ledger.ConsumeForCurrentMonth(ctx, token, bool(*req.ExposureNotification), time.Now())
	if err != nil {
		h.logger.Errorw("consuming monthly quota", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	if consumed {
		record := req.toRecord(operationalinfo.PlatformIOS)
		if err := h.operationalInfoQueue.Enqueue(ctx, record); err != nil {
			h.logger.Errorw("enqueueing operational info", "error", err)
		}
	}

	httpserver.RespondNoContent(w)
}

// PostAndroidOperationalInfo handles POST /v1/analytics/google/operational-info.
// Verification of the SafetyNet attestation happens asynchronously; this
// handler only performs a fast-path check for an already-used salt before
// scheduling the job, and returns 204 for every schema-valid request
// (400 for schema violations).
func (h *Handlers) PostAndroidOperationalInfo(w http.ResponseWriter, r *http.Request) {
	var req AndroidOperationalInfoRequest
	if !h.bindRequest(w, r, &req) {
		return
	}
	if !req.wellFormed() ||
		len(req.Salt) != h.limits.SaltLength ||
		len(req.SignedAttestation) > h.limits.SignedAttestationMaxLength {
		respondSchemaViolation(w)
		return
	}

	ctx := r.Context()

	alreadyUsed, err := h.kv.Exists(ctx, safetynet.SaltRedisKey(req.Salt))
	if err != nil {
		h.logger.Errorw("checking salt reuse", "error", err)
	}
	if alreadyUsed {
		h.logger.Warnw("rejecting android operational info for reused salt", "salt", req.Salt)
		telemetry.OperationalInfoAndroidReusedSaltTotal.Inc()
		httpserver.RespondNoContent(w)
		return
	}

	job := VerifySafetyNetAttestationJob{
		SignedAttestation:   req.SignedAttestation,
		Salt:                req.Salt,
		OperationalInfo:     req.toRecord(operationalinfo.PlatformAndroid),
		LastRiskyExposureOn: req.LastRiskyExposureOn,
	}
	if err := h.broker.Enqueue(ctx, JobVerifySafetyNetAttestation, job); err != nil {
		h.logger.Errorw("enqueueing safetynet verification job", "error", err)
	}

	httpserver.RespondNoContent(w)
}

// AuthorizeToken handles POST /v1/analytics/apple/token.
func (h *Handlers) AuthorizeToken(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeTokenRequest
	if !h.bindRequest(w, r, &req) {
		return
	}
	if !isAnalyticsToken(req.AnalyticsToken, h.limits.AnalyticsTokenSize) ||
		len(req.DeviceToken) > h.limits.DeviceTokenMaxLength {
		respondSchemaViolation(w)
		return
	}

	ctx := r.Context()
	authorized, err := h.ledger.IsAuthorizedForUpload(ctx, req.AnalyticsToken, time.Now())
	if err != nil {
		h.logger.Errorw("checking upload authorization", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	if authorized {
		httpserver.Respond(w, http.StatusCreated, nil)
		return
	}

	job := AuthorizeIOSTokenJob{AnalyticsToken: req.AnalyticsToken, DeviceToken: req.DeviceToken}
	if err := h.broker.Enqueue(ctx, JobAuthorizeIOSToken, job); err != nil {
		h.logger.Errorw("enqueueing ios authorization job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, nil)
}

// schemaViolation is the single response body for every request schema
// violation. Unlike internal/httpserver's generic validator, which reports
// per-field detail for ambient surfaces, the analytics endpoints must
// never leak which part of an attacker-controlled request failed: it
// would be one more oracle on top of the authorization state the handlers
// already take care not to leak.
type schemaViolation struct {
	Message string `json:"message"`
}

func respondSchemaViolation(w http.ResponseWriter) {
	httpserver.Respond(w, http.StatusBadRequest, schemaViolation{
		Message: "Request not compliant with the defined schema.",
	})
}

// bindRequest decodes and validates the request body into dst, collapsing
// any failure into the uniform schema-violation response. It returns
// false if the response has already been written.
func (h *Handlers) bindRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpserver.Decode(r, dst); err != nil {
		respondSchemaViolation(w)
		return false
	}
	if errs := httpserver.Validate(dst); len(errs) > 0 {
		respondSchemaViolation(w)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// isAnalyticsToken reports whether s has the exact shape of a client
// analytics token: size lowercase hex characters.
func isAnalyticsToken(s string, size int) bool {
	if len(s) != size {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
