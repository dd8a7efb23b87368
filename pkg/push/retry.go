package push

import (
	"context"
	"time"

	"github.com/cuemby/jmap-push/pkg/log"
	"github.com/cuemby/jmap-push/pkg/pushmetrics"
)

// runRetryScheduler implements the retry pass (spec §4.7). It runs after
// every event dispatch and on every timer expiry, and returns the next
// retry_timeout to wait on.
func (m *Manager) runRetryScheduler(ctx context.Context, now time.Time) time.Duration {
	if len(m.retryIds) == 0 {
		m.lastRetry = time.Time{}
		pushmetrics.PendingRetry.Set(0)
		return longSlumber
	}

	if !m.lastRetry.IsZero() && now.Sub(m.lastRetry) < m.cfg.PushRetryInterval {
		pushmetrics.PendingRetry.Set(float64(len(m.retryIds)))
		return m.cfg.PushRetryInterval - now.Sub(m.lastRetry)
	}

	for id := range m.retryIds {
		sub, ok := m.subscriptions[id]
		if !ok {
			delete(m.retryIds, id)
			continue
		}

		if !sub.eligibleForRetry(m.cfg.PushThrottle, m.cfg.PushAttemptInterval, now) {
			continue
		}

		if sub.NumAttempts < m.cfg.PushAttemptsMax {
			pushmetrics.RetriesTotal.Inc()
			m.send(ctx, id, sub, now)
			delete(m.retryIds, id)
			continue
		}

		// Attempts exhausted: abandon. The retry pass is the only place
		// that abandons a subscription (spec §4.7 invariant, §8 P2).
		sub.abandon()
		pushmetrics.AbandonedTotal.Inc()
		log.WithSubscriptionID(jmapID(uint64(id))).Debug().Msg("subscription abandoned after exhausting attempts")
		delete(m.retryIds, id)
	}

	pushmetrics.PendingRetry.Set(float64(len(m.retryIds)))

	if len(m.retryIds) > 0 {
		m.lastRetry = now
		return m.cfg.PushRetryInterval
	}

	m.lastRetry = time.Time{}
	return longSlumber
}
