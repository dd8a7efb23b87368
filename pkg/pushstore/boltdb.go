package pushstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/jmap-push/pkg/push"
)

var (
	bucketSubscriptions = []byte("subscriptions")
	bucketChangeIds     = []byte("last_change_ids")
)

// BoltStore implements push.Store using BoltDB, one bucket per entity kind,
// JSON-marshaled values, and db.Update/db.View transactions — the same
// persistence idiom the upstream orchestrator uses for its own state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir and
// ensures both buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "push.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSubscriptions, bucketChangeIds} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// storedSubscription is the on-disk projection of push.StoredSubscription.
// Kept distinct from the push package's type so the wire format doesn't
// shift silently if the in-memory struct grows fields the store should
// never persist.
type storedSubscription struct {
	URL    string `json:"url"`
	P256dh []byte `json:"p256dh,omitempty"`
	Auth   []byte `json:"auth,omitempty"`
}

// SaveSubscription upserts a subscription's durable registration.
func (s *BoltStore) SaveSubscription(_ context.Context, id push.SubscriptionId, url string, keys *push.EncryptionKeys) error {
	record := storedSubscription{URL: url}
	if keys != nil {
		record.P256dh = keys.P256dh
		record.Auth = keys.Auth
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("pushstore: marshal subscription %d: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.Put(subscriptionKey(id), data)
	})
}

// DeleteSubscription removes a subscription's durable registration. Safe to
// call for an id that was never persisted.
func (s *BoltStore) DeleteSubscription(_ context.Context, id push.SubscriptionId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.Delete(subscriptionKey(id))
	})
}

// LoadSubscriptions returns every persisted subscription, keyed by id, for
// Manager.Restore to seed the in-memory map from.
func (s *BoltStore) LoadSubscriptions(_ context.Context) (map[push.SubscriptionId]push.StoredSubscription, error) {
	out := make(map[push.SubscriptionId]push.StoredSubscription)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			id, err := parseSubscriptionKey(k)
			if err != nil {
				return err
			}
			var record storedSubscription
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("pushstore: unmarshal subscription %d: %w", id, err)
			}
			stored := push.StoredSubscription{URL: record.URL}
			if record.P256dh != nil || record.Auth != nil {
				stored.Keys = &push.EncryptionKeys{P256dh: record.P256dh, Auth: record.Auth}
			}
			out[id] = stored
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveLastChangeID upserts the highest folded change id observed for one
// (account, type) pair.
func (s *BoltStore) SaveLastChangeID(_ context.Context, account push.AccountId, ts push.TypeState, id push.ChangeId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChangeIds)
		return b.Put(changeIdKey(account, ts), []byte(strconv.FormatUint(uint64(id), 10)))
	})
}

// LoadLastChangeIDs returns every persisted (account, type) -> change id
// maximum, for Manager.Restore to seed its last-change-id map from.
func (s *BoltStore) LoadLastChangeIDs(_ context.Context) (map[push.AccountId]map[push.TypeState]push.ChangeId, error) {
	out := make(map[push.AccountId]map[push.TypeState]push.ChangeId)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChangeIds)
		return b.ForEach(func(k, v []byte) error {
			account, ts, err := parseChangeIdKey(k)
			if err != nil {
				return err
			}
			id, err := strconv.ParseUint(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("pushstore: parse change id for key %s: %w", k, err)
			}
			byType, ok := out[account]
			if !ok {
				byType = make(map[push.TypeState]push.ChangeId)
				out[account] = byType
			}
			byType[ts] = push.ChangeId(id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func subscriptionKey(id push.SubscriptionId) []byte {
	return []byte(strconv.FormatUint(uint64(id), 10))
}

func parseSubscriptionKey(k []byte) (push.SubscriptionId, error) {
	id, err := strconv.ParseUint(string(k), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("pushstore: malformed subscription key %q: %w", k, err)
	}
	return push.SubscriptionId(id), nil
}

func changeIdKey(account push.AccountId, ts push.TypeState) []byte {
	return []byte(fmt.Sprintf("%d:%s", account, ts))
}

func parseChangeIdKey(k []byte) (push.AccountId, push.TypeState, error) {
	parts := strings.SplitN(string(k), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("pushstore: malformed change id key %q", k)
	}
	account, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("pushstore: malformed account in key %q: %w", k, err)
	}
	return push.AccountId(account), push.TypeState(parts[1]), nil
}
