// Package quota implements the monthly upload quota ledger: a Redis set,
// keyed by an opaque analytics token, whose members encode which months
// and exposure states the token is authorized to upload for. The ledger
// never stores anything that identifies the device itself, only the
// token and the months/flags it is good for.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/immuni-app/immuni-backend-analytics/pkg/kv"
)

// Ledger grants and checks monthly upload authorizations.
type Ledger struct {
	store          *kv.Store
	expirationDays int
}

// New creates a Ledger backed by store. expirationDays is the TTL applied
// to a token's member set when it is authorized.
func New(store *kv.Store, expirationDays int) *Ledger {
	return &Ledger{store: store, expirationDays: expirationDays}
}

// memberForMonth builds the set-member string for a given month and
// exposure flag: "YYYY-MM-01:0" or "YYYY-MM-01:1".
func memberForMonth(month time.Time, withExposure bool) string {
	firstOfMonth := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	flag := 0
	if withExposure {
		flag = 1
	}
	return fmt.Sprintf("%s:%d", firstOfMonth.Format("2006-01-02"), flag)
}

// AllAuthorizationsForUpload returns the four members a freshly authorized
// token should receive: current and next month, each with and without
// exposure.
func AllAuthorizationsForUpload(now time.Time) []string {
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return []string{
		memberForMonth(now, true),
		memberForMonth(now, false),
		memberForMonth(next, true),
		memberForMonth(next, false),
	}
}

// MemberForCurrentMonth returns the member used to check/consume the
// current month's quota for the given exposure flag.
func MemberForCurrentMonth(now time.Time, withExposure bool) string {
	return memberForMonth(now, withExposure)
}

// Authorize grants a token the full set of current/next month members,
// with the configured expiration. Called once, after the iOS
// authorization state machine decides a token is legitimate.
func (l *Ledger) Authorize(ctx context.Context, token string, now time.Time) error {
	ttlSeconds := int64(l.expirationDays) * 24 * 60 * 60
	if err := l.store.AddMembersWithExpiry(ctx, token, ttlSeconds, AllAuthorizationsForUpload(now)...); err != nil {
		return fmt.Errorf("authorizing token: %w", err)
	}
	return nil
}

// IsAuthorizedForUpload reports whether the token may upload for the
// current month, independent of exposure.
func (l *Ledger) IsAuthorizedForUpload(ctx context.Context, token string, now time.Time) (bool, error) {
	ok, err := l.store.IsMember(ctx, token,
		MemberForCurrentMonth(now, true),
		MemberForCurrentMonth(now, false),
	)
	if err != nil {
		return false, fmt.Errorf("checking upload authorization: %w", err)
	}
	return ok, nil
}

// ConsumeForCurrentMonth atomically removes the current-month member for
// the given exposure flag, reporting whether it was present. Used by the
// iOS operational-info submission endpoint so that a token can upload at
// most once per month per exposure state.
func (l *Ledger) ConsumeForCurrentMonth(ctx context.Context, token string, withExposure bool, now time.Time) (bool, error) {
	removed, err := l.store.RemoveMember(ctx, token, MemberForCurrentMonth(now, withExposure))
	if err != nil {
		return false, fmt.Errorf("consuming monthly quota: %w", err)
	}
	return removed, nil
}
