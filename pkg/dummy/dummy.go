// Package dummy implements the cover-traffic short-circuit every upload
// endpoint applies: a request flagged as dummy sleeps for a duration
// drawn from a configured normal distribution and returns 204 without
// ever reaching the business handler, so a network observer cannot
// distinguish real uploads from cover traffic by response shape. The
// delay is not derived from real-request latency, so timing parity
// depends on how the distribution is tuned.
package dummy

import (
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HeaderName is the request header every upload endpoint requires: a
// 0/1 integer flag, never a boolean literal.
const HeaderName = "Immuni-Dummy-Data"

// schemaViolationBody mirrors the uniform schema-violation response the
// upload handlers return, so a bad dummy header is indistinguishable
// from any other malformed request.
const schemaViolationBody = `{"message":"Request not compliant with the defined schema."}` + "\n"

// Middleware wraps handler so that a request carrying
// "Immuni-Dummy-Data: 1" sleeps for N(timeoutMillis, sigmaMillis)
// milliseconds, clamped at zero, and returns 204 without invoking the
// wrapped handler. "Immuni-Dummy-Data: 0" passes the request through
// unchanged. The header is required: any other value, including its
// absence, is a schema violation and returns 400 before the body is
// even read.
func Middleware(timeoutMillis, sigmaMillis int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Header.Get(HeaderName) {
			case "0":
				next.ServeHTTP(w, r)
			case "1":
				if !sleepConfiguredTime(r, timeoutMillis, sigmaMillis) {
					return
				}
				w.WriteHeader(http.StatusNoContent)
			default:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(schemaViolationBody))
			}
		})
	}
}

// sleepConfiguredTime sleeps the configured delay, honoring request
// cancellation. It reports whether the sleep completed normally; false
// means the request context was cancelled and no response should be
// written.
func sleepConfiguredTime(r *http.Request, timeoutMillis, sigmaMillis int) bool {
	delay := math.Max(0, rand.NormFloat64()*float64(sigmaMillis)+float64(timeoutMillis))

	timer := time.NewTimer(time.Duration(delay * float64(time.Millisecond)))
	defer timer.Stop()

	select {
	case <-r.Context().Done():
		return false
	case <-timer.C:
		return true
	}
}
