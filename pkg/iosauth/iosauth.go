// Package iosauth implements the iOS analytics-token authorization state
// machine: three DeviceCheck bit reads, separated by randomized sleeps, to
// detect a device running the protocol concurrently for two different
// tokens. A device that behaves exactly as expected earns a monthly upload
// authorization; any anomaly blacklists it instead.
package iosauth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/immuni-app/immuni-backend-analytics/internal/config"
	"github.com/immuni-app/immuni-backend-analytics/internal/telemetry"
	"github.com/immuni-app/immuni-backend-analytics/pkg/devicecheck"
	"github.com/immuni-app/immuni-backend-analytics/pkg/quota"
)

// errDiscard is an internal sentinel: the token should simply be dropped,
// with no further DeviceCheck calls and no blacklisting.
var errDiscard = errors.New("iosauth: discard analytics token")

// errBlacklist is an internal sentinel: an anomaly was detected and the
// device must be blacklisted.
var errBlacklist = errors.New("iosauth: blacklist device")

// Authorizer runs the three-step DeviceCheck protocol against a device
// token and, on success, grants the paired analytics token a monthly
// upload authorization.
type Authorizer struct {
	deviceCheck                *devicecheck.Client
	ledger                     *quota.Ledger
	env                        config.Environment
	checkTimeMin, checkTimeMax time.Duration
	readTimeMin, readTimeMax   time.Duration
	logger                     *zap.SugaredLogger
}

// New creates an Authorizer.
func New(
	deviceCheck *devicecheck.Client,
	ledger *quota.Ledger,
	env config.Environment,
	checkTimeMin, checkTimeMax time.Duration,
	readTimeMin, readTimeMax time.Duration,
	logger *zap.SugaredLogger,
) *Authorizer {
	return &Authorizer{
		deviceCheck:  deviceCheck,
		ledger:       ledger,
		env:          env,
		checkTimeMin: checkTimeMin,
		checkTimeMax: checkTimeMax,
		readTimeMin:  readTimeMin,
		readTimeMax:  readTimeMax,
		logger:       logger,
	}
}

// Authorize runs the full protocol. A rejected or blacklisted device is
// a terminal, expected outcome, not a failure of the call itself. An
// error return means granting the authorization itself failed after the
// protocol succeeded.
func (a *Authorizer) Authorize(ctx context.Context, analyticsToken, deviceToken string) error {
	err := a.runSteps(ctx, deviceToken)
	switch {
	case err == nil:
		return a.grant(ctx, analyticsToken)
	case errors.Is(err, errBlacklist):
		a.blacklist(ctx, deviceToken)
		return nil
	case errors.Is(err, errDiscard):
		return nil
	default:
		// DeviceCheck API unavailable: drop the job without authorizing
		// and without blacklisting rather than retrying forever.
		a.logger.Warnw("devicecheck api error during authorization", "error", err)
		return nil
	}
}

func (a *Authorizer) runSteps(ctx context.Context, deviceToken string) error {
	if err := a.firstStep(ctx, deviceToken); err != nil {
		return err
	}
	if err := sleepRandom(ctx, a.checkTimeMin, a.checkTimeMax); err != nil {
		return err
	}
	if err := a.secondStep(ctx, deviceToken); err != nil {
		return err
	}
	if err := sleepRandom(ctx, a.readTimeMin, a.readTimeMax); err != nil {
		return err
	}
	return a.thirdStep(ctx, deviceToken)
}

func (a *Authorizer) firstStep(ctx context.Context, deviceToken string) error {
	telemetry.IOSAuthStepTotal.WithLabelValues("first").Inc()

	state, err := a.deviceCheck.QueryTwoBits(ctx, deviceToken)
	if err != nil {
		return err
	}

	if a.env == config.EnvRelease && state.UsedInCurrentMonth(time.Now()) {
		a.logger.Warnw("device already authorized a token this month",
			"bit0", state.Bit0, "bit1", state.Bit1, "last_update_time", state.LastUpdateTime)
		return errDiscard
	}

	if !state.IsDefaultConfiguration() {
		a.logger.Warnw("device bits not in default configuration on first step",
			"bit0", state.Bit0, "bit1", state.Bit1)
		return errBlacklist
	}
	return nil
}

func (a *Authorizer) secondStep(ctx context.Context, deviceToken string) error {
	telemetry.IOSAuthStepTotal.WithLabelValues("second").Inc()

	state, err := a.deviceCheck.QueryTwoBits(ctx, deviceToken)
	if err != nil {
		return err
	}

	if !state.IsDefaultConfiguration() {
		a.logger.Warnw("device bits not in default configuration on second step",
			"bit0", state.Bit0, "bit1", state.Bit1)
		return errBlacklist
	}

	return a.deviceCheck.UpdateTwoBits(ctx, deviceToken, true, false)
}

func (a *Authorizer) thirdStep(ctx context.Context, deviceToken string) error {
	telemetry.IOSAuthStepTotal.WithLabelValues("third").Inc()

	state, err := a.deviceCheck.QueryTwoBits(ctx, deviceToken)
	if err != nil {
		return err
	}

	if !state.IsAuthorized() {
		a.logger.Warnw("device bits not authorized on third step",
			"bit0", state.Bit0, "bit1", state.Bit1)
		return errBlacklist
	}

	return a.deviceCheck.UpdateTwoBits(ctx, deviceToken, false, false)
}

// blacklist marks the device bits as (true, true). Only performed in the
// release environment, so that a developer's own device isn't
// permanently locked out by repeated local testing.
func (a *Authorizer) blacklist(ctx context.Context, deviceToken string) {
	if a.env == config.EnvRelease {
		if err := a.deviceCheck.UpdateTwoBits(ctx, deviceToken, true, true); err != nil {
			a.logger.Warnw("failed to blacklist device", "error", err)
		}
	}
	telemetry.IOSAuthOutcomeTotal.WithLabelValues("blacklisted").Inc()
}

func (a *Authorizer) grant(ctx context.Context, analyticsToken string) error {
	if err := a.ledger.Authorize(ctx, analyticsToken, time.Now()); err != nil {
		return fmt.Errorf("granting upload authorization: %w", err)
	}
	telemetry.IOSAuthOutcomeTotal.WithLabelValues("authorized").Inc()
	return nil
}

// sleepRandom sleeps a uniformly random duration in [min, max], honoring
// context cancellation.
func sleepRandom(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)+1))
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
