package push

import "time"

// Subscription is the mutable per-endpoint aggregate owned exclusively by
// the Manager Loop. No lock guards it: the manager is its sole mutator
// (spec invariant I3), and the owning goroutine never reads or writes it
// across a suspension point.
type Subscription struct {
	URL          string
	Keys         *EncryptionKeys
	NumAttempts  uint32
	LastRequest  time.Time
	StateChanges []StateChange
	InFlight     bool
}

// newSubscription builds the initial record for Register. LastRequest is
// set far enough in the past that the very first Push is immediately
// eligible for throttle purposes (spec §4.3).
func newSubscription(url string, keys *EncryptionKeys, throttle time.Duration, now time.Time) *Subscription {
	return &Subscription{
		URL:         url,
		Keys:        keys,
		LastRequest: now.Add(-(throttle + time.Millisecond)),
	}
}

// enqueue appends a state change to the coalesce buffer. Append is always
// safe, even while InFlight: a Send snapshots and drains the buffer before
// setting InFlight, so a concurrent append can never race the drain
// (invariant I1).
func (s *Subscription) enqueue(change StateChange) {
	s.StateChanges = append(s.StateChanges, change.Clone())
}

// drain removes and returns the entire coalesce buffer, leaving it empty.
func (s *Subscription) drain() []StateChange {
	drained := s.StateChanges
	s.StateChanges = nil
	return drained
}

// extend appends changes to the tail of the buffer. Used by DeliveryFailure
// to return an undelivered snapshot: new arrivals (queued during flight)
// stay at the head, the failed batch lands at the tail ("new-then-failed",
// spec §4.5/§9 — preserved even though it reorders rather than reprioritizes,
// since StateChange carries absolute ids and the fold is order-independent).
func (s *Subscription) extend(changes []StateChange) {
	s.StateChanges = append(s.StateChanges, changes...)
}

// eligibleForSend reports whether the subscription may be sent to
// immediately from the ingestion path (spec §4.4). Thresholds are strict:
// elapsed time must exceed the interval, not merely meet it.
func (s *Subscription) eligibleForSend(attemptsMax uint32, throttle, attemptInterval time.Duration, now time.Time) bool {
	if s.InFlight {
		return false
	}
	elapsed := now.Sub(s.LastRequest)
	if s.NumAttempts == 0 {
		return elapsed > throttle
	}
	return s.NumAttempts < attemptsMax && elapsed > attemptInterval
}

// eligibleForRetry reports whether the subscription may be sent to from the
// retry pass (spec §4.7). Thresholds are non-strict (≥), the one deliberate
// asymmetry with eligibleForSend (spec §9 Open Questions).
func (s *Subscription) eligibleForRetry(throttle, attemptInterval time.Duration, now time.Time) bool {
	if s.InFlight {
		return false
	}
	elapsed := now.Sub(s.LastRequest)
	if s.NumAttempts == 0 {
		return elapsed >= throttle
	}
	return elapsed >= attemptInterval
}

// beginSend snapshots and drains the buffer, marks the subscription
// in-flight, and stamps LastRequest — the atomic prelude to spawning a
// delivery task (spec §4.6 steps 1-2).
func (s *Subscription) beginSend(now time.Time) []StateChange {
	snapshot := s.drain()
	s.InFlight = true
	s.LastRequest = now
	return snapshot
}

// onDeliverySuccess applies the DeliverySuccess outcome (spec §4.5).
func (s *Subscription) onDeliverySuccess() {
	s.NumAttempts = 0
	s.InFlight = false
}

// onDeliveryFailure applies the DeliveryFailure outcome (spec §4.5).
func (s *Subscription) onDeliveryFailure(returned []StateChange, now time.Time) {
	s.LastRequest = now
	s.NumAttempts++
	s.InFlight = false
	s.extend(returned)
}

// abandon resets a subscription that has exhausted its retry budget (spec
// §4.7 "abandon" branch). The subscription stays registered; only its
// pending backlog and attempt counter are cleared.
func (s *Subscription) abandon() {
	s.NumAttempts = 0
	s.StateChanges = nil
}
