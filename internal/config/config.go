// Package config loads the analytics service's runtime configuration from
// environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Environment selects behavior that must differ between a production
// deployment and development/test runs, notably whether DeviceCheck
// blacklisting is actually persisted to Apple (see pkg/iosauth).
type Environment string

const (
	EnvRelease     Environment = "release"
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Mode selects the runtime mode: "api" or "worker".
	Mode string `env:"ANALYTICS_MODE" envDefault:"api"`
	Env  string `env:"ANALYTICS_ENV" envDefault:"development"`

	Host string `env:"ANALYTICS_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"ANALYTICS_PORT" envDefault:"8080"`

	RedisURL string `env:"ANALYTICS_BROKER_REDIS_URL" envDefault:"redis://localhost:6379/1"`
	MongoURL string `env:"ANALYTICS_MONGO_URL" envDefault:"mongodb://localhost:27017/immuni-analytics-dev"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	AnalyticsTokenSize           int `env:"ANALYTICS_TOKEN_SIZE" envDefault:"128"`
	AnalyticsTokenExpirationDays int `env:"ANALYTICS_TOKEN_EXPIRATION_DAYS" envDefault:"62"`

	AppleDeviceCheckURL    string `env:"APPLE_DEVICE_CHECK_URL" envDefault:"https://api.development.devicecheck.apple.com/v1"`
	AppleTeamID            string `env:"APPLE_TEAM_ID"`
	AppleKeyID             string `env:"APPLE_KEY_ID"`
	AppleCertificateKeyPEM string `env:"APPLE_CERTIFICATE_KEY"`

	CheckTimeSecondsMin int `env:"CHECK_TIME_SECONDS_MIN" envDefault:"7"`
	CheckTimeSecondsMax int `env:"CHECK_TIME_SECONDS_MAX" envDefault:"10"`
	ReadTimeSecondsMin  int `env:"READ_TIME_SECONDS_MIN" envDefault:"0"`
	ReadTimeSecondsMax  int `env:"READ_TIME_SECONDS_MAX" envDefault:"3"`

	SafetyNetAPKDigest      string `env:"SAFETY_NET_APK_DIGEST"`
	SafetyNetPackageName    string `env:"SAFETY_NET_PACKAGE_NAME" envDefault:"it.ministerodellasalute.immuni"`
	SafetyNetIssuerHostname string `env:"SAFETY_NET_ISSUER_HOSTNAME" envDefault:"attest.android.com"`
	SafetyNetMaxSkewMinutes int    `env:"SAFETY_NET_MAX_SKEW_MINUTES" envDefault:"10"`

	SaltLength                 int `env:"SALT_LENGTH" envDefault:"24"`
	SignedAttestationMaxLength int `env:"SIGNED_ATTESTATION_MAX_LENGTH" envDefault:"10000"`
	DeviceTokenMaxLength       int `env:"DEVICE_TOKEN_MAX_LENGTH" envDefault:"10000"`

	DataRetentionDays int `env:"DATA_RETENTION_DAYS" envDefault:"30"`

	StoreIngestedDataPeriodicity    string `env:"STORE_INGESTED_DATA_PERIODICITY" envDefault:"* * * * *"`
	StoreOperationalInfoPeriodicity string `env:"STORE_OPERATIONAL_INFO_PERIODICITY" envDefault:"* * * * *"`
	DeleteOldDataPeriodicity        string `env:"DELETE_OLD_DATA_PERIODICITY" envDefault:"0 0 * * *"`

	ExposurePayloadMaxIngestedElements int `env:"EXPOSURE_PAYLOAD_MAX_INGESTED_ELEMENTS" envDefault:"100"`
	OperationalInfoMaxIngestedElements int `env:"OPERATIONAL_INFO_MAX_INGESTED_ELEMENTS" envDefault:"100"`

	OperationalInfoQueueKey       string `env:"OPERATIONAL_INFO_QUEUE_KEY" envDefault:"operational_info"`
	ExposurePayloadQueueKey       string `env:"EXPOSURE_PAYLOAD_QUEUE_KEY" envDefault:"ingested_exposure_data"`
	ExposurePayloadErrorsQueueKey string `env:"EXPOSURE_PAYLOAD_ERRORS_QUEUE_KEY" envDefault:"errors_exposure_data"`

	DummyRequestTimeoutMillis int `env:"DUMMY_REQUEST_TIMEOUT_MILLIS" envDefault:"150"`
	DummyRequestTimeoutSigma  int `env:"DUMMY_REQUEST_TIMEOUT_SIGMA" envDefault:"20"`

	RequestsTimeoutSeconds int `env:"REQUESTS_TIMEOUT_SECONDS" envDefault:"5"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Environment returns the typed runtime environment, defaulting to
// development for any unrecognized value.
func (c *Config) Environment() Environment {
	switch Environment(c.Env) {
	case EnvRelease, EnvTesting:
		return Environment(c.Env)
	default:
		return EnvDevelopment
	}
}
