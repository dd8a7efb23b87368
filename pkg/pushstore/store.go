// Package pushstore provides the persistence boundary for the push
// delivery manager: durable subscription registrations and the
// last-folded change id per (account, type), backed by BoltDB.
package pushstore

import (
	"github.com/cuemby/jmap-push/pkg/push"
)

// Store is an alias for push.Store, the interface BoltStore implements.
// Kept here so callers can depend on pushstore.Store without importing
// pkg/push directly when all they need is the storage contract.
type Store = push.Store
