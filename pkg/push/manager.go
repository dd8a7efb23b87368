package push

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/jmap-push/pkg/log"
	"github.com/cuemby/jmap-push/pkg/pushmetrics"
)

// Config carries the process-global values injected at construction (spec
// §5 "Configuration values").
type Config struct {
	PushThrottle        time.Duration
	PushAttemptInterval time.Duration
	PushAttemptsMax     uint32
	PushRetryInterval   time.Duration
	PushTimeout         time.Duration
	PushVerifyTimeout   time.Duration
	ChannelBuffer       int

	// InsecureSkipVerify disables TLS certificate checks on outbound POSTs.
	// cmd/pushd serve sets it from its --insecure-skip-verify flag (default
	// false); cmd/pushd simulate leaves it false.
	InsecureSkipVerify bool

	// MaxOutboundRate caps aggregate outbound POSTs per second across every
	// subscription (0 disables the cap). MaxOutboundBurst sets the token
	// bucket's burst size; ignored when MaxOutboundRate is 0.
	MaxOutboundRate  float64
	MaxOutboundBurst int
}

// Store is the persistence boundary the manager uses to make registration
// and last-known-change-id durable across restarts. Attempt counters,
// coalesce buffers, and in-flight flags are deliberately not part of this
// interface: they are restart-local by design (spec.md §1 Non-goals).
type Store interface {
	SaveSubscription(ctx context.Context, id SubscriptionId, url string, keys *EncryptionKeys) error
	DeleteSubscription(ctx context.Context, id SubscriptionId) error
	LoadSubscriptions(ctx context.Context) (map[SubscriptionId]StoredSubscription, error)

	SaveLastChangeID(ctx context.Context, account AccountId, ts TypeState, id ChangeId) error
	LoadLastChangeIDs(ctx context.Context) (map[AccountId]map[TypeState]ChangeId, error)

	Close() error
}

// StoredSubscription is the durable projection of a Subscription: just
// enough to rebuild the registration on restart. In-flight progress
// (attempt count, coalesce buffer) always starts fresh.
type StoredSubscription struct {
	URL  string
	Keys *EncryptionKeys
}

// SubscriptionSnapshot is a point-in-time, read-only view of one
// subscription, returned by Manager.Snapshot (design spec §4.13). It
// exists for inspection tooling (cmd/pushd simulate, SnapshotCounts) and must never be used to
// mutate manager state.
type SubscriptionSnapshot struct {
	ID             SubscriptionId
	URL            string
	Encrypted      bool
	NumAttempts    uint32
	PendingChanges int
	InFlight       bool
	LastRequest    time.Time
}

// Manager owns the entire state machine: the subscription map, retry set,
// and verifier's rate-limit map. It is the single mutator of all of them
// (invariant I3); nothing outside the Run goroutine may touch them.
type Manager struct {
	cfg      Config
	events   EventChannel
	poster   *poster
	verifier *verifier
	store    Store
	logger   zerolog.Logger

	subscriptions map[SubscriptionId]*Subscription
	retryIds      map[SubscriptionId]struct{}
	lastRetry     time.Time
	lastChangeIDs map[AccountId]map[TypeState]ChangeId
}

// NewManager constructs a Manager. store may be nil, in which case
// registration state is in-memory only for the process lifetime.
func NewManager(cfg Config, store Store) *Manager {
	client := NewClient(cfg.InsecureSkipVerify)
	p := newPoster(client).withRateLimit(cfg.MaxOutboundRate, cfg.MaxOutboundBurst)
	return &Manager{
		cfg:           cfg,
		events:        NewEventChannel(cfg.ChannelBuffer),
		poster:        p,
		verifier:      newVerifier(p, cfg.PushTimeout, cfg.PushVerifyTimeout),
		store:         store,
		logger:        log.WithComponent("push.manager"),
		subscriptions: make(map[SubscriptionId]*Subscription),
		retryIds:      make(map[SubscriptionId]struct{}),
		lastChangeIDs: make(map[AccountId]map[TypeState]ChangeId),
	}
}

// Events returns the channel producers send on. The manager is the only
// consumer.
func (m *Manager) Events() EventChannel {
	return m.events
}

// Restore loads persisted subscriptions from the store, if one was
// configured, seeding the in-memory map before Run starts processing
// events. Call once, before Run.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.LoadSubscriptions(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for id, sub := range stored {
		m.subscriptions[id] = newSubscription(sub.URL, sub.Keys, m.cfg.PushThrottle, now)
	}
	pushmetrics.SubscriptionsActive.Set(float64(len(m.subscriptions)))

	lastChangeIDs, err := m.store.LoadLastChangeIDs(ctx)
	if err != nil {
		return err
	}
	m.lastChangeIDs = lastChangeIDs
	return nil
}

// Run is the Manager Loop (spec §4.8). It blocks until the event channel
// is closed or ctx is done, and is meant to be run in its own goroutine.
// The loop is single-threaded cooperative: no lock guards subscriptions,
// retryIds, or the verifier's rate-limit map, and there must not be one.
func (m *Manager) Run(ctx context.Context) {
	retryTimeout := longSlumber
	timer := time.NewTimer(retryTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-m.events:
			if !ok {
				return
			}
			m.dispatch(ctx, e, time.Now())

		case <-timer.C:
			// No-op: the retry scheduler below fires on every iteration.
		}

		retryTimeout = m.runRetryScheduler(ctx, time.Now())
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(retryTimeout)
	}
}

// dispatch applies one Event per spec §4.2-§4.5.
func (m *Manager) dispatch(ctx context.Context, e Event, now time.Time) {
	switch {
	case e.snapshot != nil:
		e.snapshot <- m.snapshotLocked()
	case e.Update != nil:
		for _, u := range e.Update.Updates {
			m.applyUpdate(ctx, u, now)
		}
	case e.Push != nil:
		m.applyPush(ctx, *e.Push, now)
	case e.Reset:
		m.applyReset()
	case e.DeliverySuccess != nil:
		m.applyDeliverySuccess(e.DeliverySuccess.ID)
	case e.DeliveryFailure != nil:
		m.applyDeliveryFailure(e.DeliveryFailure.ID, e.DeliveryFailure.StateChanges, now)
	}
}

func (m *Manager) applyUpdate(ctx context.Context, u PushUpdate, now time.Time) {
	switch u.Kind {
	case PushUpdateVerify:
		m.verifier.handle(ctx, u, now)

	case PushUpdateRegister:
		if _, exists := m.subscriptions[u.ID]; exists {
			// Register is idempotent (spec §4.3, invariant P6): duplicate
			// registration leaves in-flight state untouched.
			return
		}
		m.subscriptions[u.ID] = newSubscription(u.URL, u.Keys, m.cfg.PushThrottle, now)
		pushmetrics.SubscriptionsActive.Set(float64(len(m.subscriptions)))
		subLogger := log.WithSubscriptionID(jmapID(uint64(u.ID)))
		if m.store != nil {
			if err := m.store.SaveSubscription(ctx, u.ID, u.URL, u.Keys); err != nil {
				subLogger.Warn().Err(err).Msg("failed to persist subscription")
			}
		}
		subLogger.Info().Msg("subscription registered")

	case PushUpdateUnregister:
		delete(m.subscriptions, u.ID)
		delete(m.retryIds, u.ID)
		pushmetrics.SubscriptionsActive.Set(float64(len(m.subscriptions)))
		subLogger := log.WithSubscriptionID(jmapID(uint64(u.ID)))
		if m.store != nil {
			if err := m.store.DeleteSubscription(ctx, u.ID); err != nil {
				subLogger.Warn().Err(err).Msg("failed to delete persisted subscription")
			}
		}
		subLogger.Info().Msg("subscription unregistered")
	}
}

func (m *Manager) applyPush(ctx context.Context, e PushEvent, now time.Time) {
	m.recordChangeID(ctx, e.StateChange)

	for _, id := range e.Ids {
		sub, ok := m.subscriptions[id]
		if !ok {
			log.WithSubscriptionID(jmapID(uint64(id))).Debug().Msg("push for unknown subscription")
			continue
		}
		sub.enqueue(e.StateChange)

		if sub.eligibleForSend(m.cfg.PushAttemptsMax, m.cfg.PushThrottle, m.cfg.PushAttemptInterval, now) {
			m.send(ctx, id, sub, now)
			delete(m.retryIds, id)
		} else {
			m.retryIds[id] = struct{}{}
		}
	}
}

// recordChangeID tracks and persists the highest change id observed per
// (account, type) (design spec §3 persistence projection); Restore reloads
// it. Pushes are not filtered against it: a change id at or below the
// recorded maximum is still queued and delivered. The fold in
// foldStateChanges keeps the maximum per cell either way.
func (m *Manager) recordChangeID(ctx context.Context, change StateChange) {
	byType, ok := m.lastChangeIDs[change.AccountId]
	if !ok {
		byType = make(map[TypeState]ChangeId)
		m.lastChangeIDs[change.AccountId] = byType
	}
	for ts, id := range change.Types {
		if current, exists := byType[ts]; exists && current >= id {
			continue
		}
		byType[ts] = id
		if m.store != nil {
			if err := m.store.SaveLastChangeID(ctx, change.AccountId, ts, id); err != nil {
				m.logger.Warn().Err(err).Msg("failed to persist last change id")
			}
		}
	}
}

func (m *Manager) applyReset() {
	// Reset clears subscriptions only; retry_ids and last_verify self-expire
	// (spec §4.3, invariant B4).
	m.subscriptions = make(map[SubscriptionId]*Subscription)
	pushmetrics.SubscriptionsActive.Set(0)
}

func (m *Manager) applyDeliverySuccess(id SubscriptionId) {
	sub, ok := m.subscriptions[id]
	if !ok {
		// Unregistered while in flight (invariant B3): drop without panic.
		return
	}
	sub.onDeliverySuccess()
	delete(m.retryIds, id)
}

func (m *Manager) applyDeliveryFailure(id SubscriptionId, changes []StateChange, now time.Time) {
	sub, ok := m.subscriptions[id]
	if !ok {
		return
	}
	sub.onDeliveryFailure(changes, now)
	m.retryIds[id] = struct{}{}
	log.WithSubscriptionID(jmapID(uint64(id))).Warn().Uint32("num_attempts", sub.NumAttempts).Msg("delivery failed, scheduled for retry")
}

// send invokes the Send delivery task (spec §4.6). Caller must hold no
// invariant beyond "sub is the current entry for id". The task is spawned
// detached from ctx: a manager shutdown must let in-flight deliveries
// finish in the background even though their replies will be discarded
// (spec §5 "Cancellation and timeouts").
func (m *Manager) send(_ context.Context, id SubscriptionId, sub *Subscription, now time.Time) {
	snapshot := sub.beginSend(now)
	keys := sub.Keys.Clone()
	url := sub.URL
	task := newSendTask(m.poster, m.events, m.cfg.PushTimeout)
	go task.run(context.Background(), id, url, keys, snapshot)
}

func (m *Manager) snapshotLocked() []SubscriptionSnapshot {
	out := make([]SubscriptionSnapshot, 0, len(m.subscriptions))
	for id, sub := range m.subscriptions {
		out = append(out, SubscriptionSnapshot{
			ID:             id,
			URL:            sub.URL,
			Encrypted:      sub.Keys != nil,
			NumAttempts:    sub.NumAttempts,
			PendingChanges: len(sub.StateChanges),
			InFlight:       sub.InFlight,
			LastRequest:    sub.LastRequest,
		})
	}
	return out
}

// Snapshot returns a point-in-time view of every registered subscription,
// by round-tripping a query through the Manager Loop itself so the read
// never races its sole mutator (invariant I3, design spec §4.13).
func (m *Manager) Snapshot(ctx context.Context) ([]SubscriptionSnapshot, error) {
	reply := make(chan []SubscriptionSnapshot, 1)
	select {
	case m.events <- Event{snapshot: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SnapshotCounts satisfies pushmetrics.Snapshotter: it returns the number
// of registered subscriptions and the number of those that have queued
// state changes or a delivery in flight.
func (m *Manager) SnapshotCounts(ctx context.Context) (count int, pending int, err error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	pendingCount := 0
	for _, s := range snap {
		if s.PendingChanges > 0 || s.InFlight {
			pendingCount++
		}
	}
	return len(snap), pendingCount, nil
}
