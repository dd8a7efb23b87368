package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store used to exercise the manager without
// touching pkg/pushstore.
type fakeStore struct {
	mu            sync.Mutex
	subscriptions map[SubscriptionId]StoredSubscription
	lastChangeIDs map[AccountId]map[TypeState]ChangeId
	closed        bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscriptions: make(map[SubscriptionId]StoredSubscription),
		lastChangeIDs: make(map[AccountId]map[TypeState]ChangeId),
	}
}

func (s *fakeStore) SaveSubscription(_ context.Context, id SubscriptionId, url string, keys *EncryptionKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id] = StoredSubscription{URL: url, Keys: keys}
	return nil
}

func (s *fakeStore) DeleteSubscription(_ context.Context, id SubscriptionId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
	return nil
}

func (s *fakeStore) LoadSubscriptions(_ context.Context) (map[SubscriptionId]StoredSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[SubscriptionId]StoredSubscription, len(s.subscriptions))
	for id, sub := range s.subscriptions {
		out[id] = sub
	}
	return out, nil
}

func (s *fakeStore) SaveLastChangeID(_ context.Context, account AccountId, ts TypeState, id ChangeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byType, ok := s.lastChangeIDs[account]
	if !ok {
		byType = make(map[TypeState]ChangeId)
		s.lastChangeIDs[account] = byType
	}
	byType[ts] = id
	return nil
}

func (s *fakeStore) LoadLastChangeIDs(_ context.Context) (map[AccountId]map[TypeState]ChangeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AccountId]map[TypeState]ChangeId, len(s.lastChangeIDs))
	for acc, byType := range s.lastChangeIDs {
		cp := make(map[TypeState]ChangeId, len(byType))
		for ts, id := range byType {
			cp[ts] = id
		}
		out[acc] = cp
	}
	return out, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func testConfig() Config {
	return Config{
		PushThrottle:        time.Second,
		PushAttemptInterval: time.Minute,
		PushAttemptsMax:     3,
		PushRetryInterval:   time.Minute,
		PushTimeout:         time.Second,
		PushVerifyTimeout:   time.Second,
		ChannelBuffer:       8,
	}
}

func TestApplyUpdateRegisterIsIdempotent(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()

	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	sub := m.subscriptions[1]
	sub.NumAttempts = 2 // mutate in-flight state to prove the second Register leaves it alone

	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://other.example", nil), now)

	assert.Same(t, sub, m.subscriptions[1])
	assert.Equal(t, uint32(2), m.subscriptions[1].NumAttempts)
	assert.Equal(t, "https://push.example", m.subscriptions[1].URL)
}

func TestApplyUpdateRegisterPersists(t *testing.T) {
	store := newFakeStore()
	m := NewManager(testConfig(), store)

	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), time.Now())

	stored, err := store.LoadSubscriptions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://push.example", stored[1].URL)
}

func TestApplyUpdateUnregisterClearsStateAndRetrySet(t *testing.T) {
	store := newFakeStore()
	m := NewManager(testConfig(), store)
	now := time.Now()

	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.retryIds[1] = struct{}{}

	m.applyUpdate(context.Background(), UnregisterUpdate(1), now)

	assert.NotContains(t, m.subscriptions, SubscriptionId(1))
	assert.NotContains(t, m.retryIds, SubscriptionId(1))
	stored, err := store.LoadSubscriptions(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, stored, SubscriptionId(1))
}

func TestApplyPushUnknownSubscriptionIsDropped(t *testing.T) {
	m := NewManager(testConfig(), nil)
	change := StateChange{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 1}}

	assert.NotPanics(t, func() {
		m.applyPush(context.Background(), PushEvent{Ids: []SubscriptionId{99}, StateChange: change}, time.Now())
	})
}

func TestApplyPushEligibleSendsAndClearsRetry(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now.Add(-time.Hour))
	m.retryIds[1] = struct{}{}

	change := StateChange{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 1}}
	m.applyPush(context.Background(), PushEvent{Ids: []SubscriptionId{1}, StateChange: change}, now)

	assert.NotContains(t, m.retryIds, SubscriptionId(1))
	assert.True(t, m.subscriptions[1].InFlight)
}

func TestApplyPushIneligibleQueuesForRetry(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.subscriptions[1].LastRequest = now // inside throttle window

	change := StateChange{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 1}}
	m.applyPush(context.Background(), PushEvent{Ids: []SubscriptionId{1}, StateChange: change}, now)

	assert.Contains(t, m.retryIds, SubscriptionId(1))
	assert.False(t, m.subscriptions[1].InFlight)
	assert.Len(t, m.subscriptions[1].StateChanges, 1)
}

func TestRecordChangeIDKeepsMaximumAndPersists(t *testing.T) {
	store := newFakeStore()
	m := NewManager(testConfig(), store)
	ctx := context.Background()

	m.recordChangeID(ctx, StateChange{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 5}})
	m.recordChangeID(ctx, StateChange{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 2}})

	assert.Equal(t, ChangeId(5), m.lastChangeIDs[1][TypeEmail])
	ids, err := store.LoadLastChangeIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChangeId(5), ids[1][TypeEmail])
}

func TestApplyResetClearsSubscriptionsOnly(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.retryIds[2] = struct{}{}

	m.applyReset()

	assert.Empty(t, m.subscriptions)
	assert.Contains(t, m.retryIds, SubscriptionId(2), "reset must not touch the retry set (invariant B4)")
}

func TestApplyDeliverySuccessUnknownSubscriptionIsNoop(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.NotPanics(t, func() {
		m.applyDeliverySuccess(99)
	})
}

func TestApplyDeliverySuccessResetsSubscription(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.subscriptions[1].InFlight = true
	m.subscriptions[1].NumAttempts = 2
	m.retryIds[1] = struct{}{}

	m.applyDeliverySuccess(1)

	assert.False(t, m.subscriptions[1].InFlight)
	assert.Zero(t, m.subscriptions[1].NumAttempts)
	assert.NotContains(t, m.retryIds, SubscriptionId(1))
}

func TestApplyDeliveryFailureQueuesRetry(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.subscriptions[1].InFlight = true

	changes := []StateChange{{AccountId: 1, Types: map[TypeState]ChangeId{TypeEmail: 1}}}
	m.applyDeliveryFailure(1, changes, now)

	assert.Contains(t, m.retryIds, SubscriptionId(1))
	assert.Equal(t, uint32(1), m.subscriptions[1].NumAttempts)
}

func TestRestoreSeedsSubscriptionsAndChangeIDs(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.SaveSubscription(context.Background(), 1, "https://push.example", nil))
	require.NoError(t, store.SaveLastChangeID(context.Background(), 1, TypeEmail, 7))

	m := NewManager(testConfig(), store)
	require.NoError(t, m.Restore(context.Background()))

	require.Contains(t, m.subscriptions, SubscriptionId(1))
	assert.Equal(t, "https://push.example", m.subscriptions[1].URL)
	assert.Equal(t, ChangeId(7), m.lastChangeIDs[1][TypeEmail])
}

func TestRestoreWithNilStoreIsNoop(t *testing.T) {
	m := NewManager(testConfig(), nil)
	assert.NoError(t, m.Restore(context.Background()))
	assert.Empty(t, m.subscriptions)
}

func TestSnapshotRoundTripsThroughTheLoop(t *testing.T) {
	m := NewManager(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.True(t, m.Events().SendUpdate(RegisterUpdate(1, "https://push.example", nil)))

	require.Eventually(t, func() bool {
		snap, err := m.Snapshot(context.Background())
		return err == nil && len(snap) == 1
	}, time.Second, 5*time.Millisecond)

	snap, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, SubscriptionId(1), snap[0].ID)
}

func TestSnapshotCountsReflectsPendingWork(t *testing.T) {
	m := NewManager(testConfig(), nil)
	now := time.Now()
	m.applyUpdate(context.Background(), RegisterUpdate(1, "https://push.example", nil), now)
	m.subscriptions[1].InFlight = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	count, pending, err := m.SnapshotCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, pending)
}

func TestSnapshotContextCanceledReturnsError(t *testing.T) {
	m := NewManager(testConfig(), nil) // no Run loop consuming: the query sits in the buffer and the reply wait blocks until ctx is done
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Snapshot(ctx)
	assert.Error(t, err)
}
