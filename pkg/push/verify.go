package push

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cuemby/jmap-push/pkg/log"
	"github.com/cuemby/jmap-push/pkg/pushmetrics"
)

// verifier issues per-account rate-limited, fire-and-forget verification
// POSTs. It is owned by the Manager Loop exactly like the subscription
// map; last_verify is never touched outside the manager goroutine.
type verifier struct {
	poster     *poster
	timeout    time.Duration
	rateLimit  time.Duration
	lastVerify map[AccountId]time.Time
}

func newVerifier(p *poster, timeout, rateLimit time.Duration) *verifier {
	return &verifier{
		poster:     p,
		timeout:    timeout,
		rateLimit:  rateLimit,
		lastVerify: make(map[AccountId]time.Time),
	}
}

// shouldRateLimit reports whether a Verify for account should be dropped
// silently (spec §4.2). The skip_checks test hook (design spec §4.12)
// bypasses the check unconditionally for URLs built for that purpose.
func (v *verifier) shouldRateLimit(account AccountId, url string, now time.Time) bool {
	if strings.Contains(url, "skip_checks") {
		return false
	}
	last, ok := v.lastVerify[account]
	if !ok {
		return false
	}
	return now.Sub(last) <= v.rateLimit
}

// handle dispatches one PushUpdateVerify update. On rate-limit, it drops
// silently and logs at debug (spec §7). Otherwise it records last_verify
// and spawns a detached, unreported POST.
func (v *verifier) handle(_ context.Context, u PushUpdate, now time.Time) {
	if v.shouldRateLimit(u.AccountId, u.URL, now) {
		pushmetrics.VerificationsTotal.WithLabelValues("rate_limited").Inc()
		log.WithAccountID(jmapID(uint32(u.AccountId))).Debug().Msg("verification rate-limited")
		return
	}
	v.lastVerify[u.AccountId] = now

	payload := newVerificationPayload(u.ID, u.Code)
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	pushmetrics.VerificationsTotal.WithLabelValues("sent").Inc()

	headers := map[string]string{"Content-Type": "application/json"}
	go func() {
		// Detached from the manager's ctx and never reported back: a
		// verification is a side effect only (spec §4.2 "no retry").
		timer := pushmetrics.NewTimer()
		err := v.poster.post(context.Background(), u.URL, headers, body, v.timeout)
		if err != nil {
			timer.ObserveDurationVec(pushmetrics.VerificationDuration, "error")
			log.WithSubscriptionID(jmapID(uint64(u.ID))).Debug().Err(err).Dur("elapsed", timer.Duration()).Msg("verification POST failed")
			return
		}
		timer.ObserveDurationVec(pushmetrics.VerificationDuration, "ok")
	}()
}
