// Package push implements the JMAP push delivery manager: a single-owner
// cooperative state machine that coalesces state-change notifications per
// subscription and delivers them to subscriber-supplied HTTP endpoints with
// bounded retries, per-subscription throttling, and optional Web Push
// (RFC 8291 aes128gcm) payload encryption.
package push

import (
	"fmt"
	"time"
)

// SubscriptionId uniquely identifies a push endpoint. Assigned by the
// storage layer; the manager treats it as an opaque value.
type SubscriptionId uint64

// AccountId identifies a tenant account.
type AccountId uint32

// TypeState is the closed set of JMAP data types a subscription can track
// changes for.
type TypeState string

const (
	TypeMailbox  TypeState = "Mailbox"
	TypeEmail    TypeState = "Email"
	TypeThread   TypeState = "Thread"
	TypeIdentity TypeState = "Identity"
)

// ChangeId is a monotonically non-decreasing cursor per (account, type).
type ChangeId uint64

// EncryptionKeys holds the Web Push subscription keys. Nil when a
// subscription did not register for encrypted delivery.
type EncryptionKeys struct {
	P256dh []byte
	Auth   []byte
}

// Clone returns a deep copy, safe to hand to a detached delivery task.
func (k *EncryptionKeys) Clone() *EncryptionKeys {
	if k == nil {
		return nil
	}
	clone := &EncryptionKeys{
		P256dh: make([]byte, len(k.P256dh)),
		Auth:   make([]byte, len(k.Auth)),
	}
	copy(clone.P256dh, k.P256dh)
	copy(clone.Auth, k.Auth)
	return clone
}

// StateChange is one observed transition of a tenant's data, produced by an
// upstream change source. Immutable once constructed.
type StateChange struct {
	AccountId AccountId
	Types     map[TypeState]ChangeId
}

// Clone returns a deep copy so a coalesce buffer never aliases a caller's map.
func (c StateChange) Clone() StateChange {
	types := make(map[TypeState]ChangeId, len(c.Types))
	for k, v := range c.Types {
		types[k] = v
	}
	return StateChange{AccountId: c.AccountId, Types: types}
}

// jmapID renders an identifier using JMAP's decimal string convention.
func jmapID[T ~uint64 | ~uint32](id T) string {
	return fmt.Sprintf("%d", id)
}

// changeIdString renders a ChangeId as a JMAP id string.
func changeIdString(id ChangeId) string {
	return fmt.Sprintf("%d", id)
}

// StateChangeResponse is the JSON body posted to a subscriber: the folded
// per-(account,type) maximum change id, keyed by JMAP id strings.
type StateChangeResponse struct {
	Changed map[string]map[string]string `json:"changed"`
}

// foldStateChanges folds an ordered sequence of StateChange values into a
// StateChangeResponse. Each (account, type) cell holds the maximum change
// id seen (spec L1), so the result does not depend on input order: a failed
// batch re-appended behind newer changes still folds to the maximum.
func foldStateChanges(changes []StateChange) StateChangeResponse {
	resp := StateChangeResponse{Changed: make(map[string]map[string]string)}
	maxIDs := make(map[string]map[TypeState]ChangeId)
	for _, change := range changes {
		accountKey := jmapID(uint32(change.AccountId))
		cell, ok := resp.Changed[accountKey]
		if !ok {
			cell = make(map[string]string)
			resp.Changed[accountKey] = cell
			maxIDs[accountKey] = make(map[TypeState]ChangeId)
		}
		for ts, id := range change.Types {
			if current, seen := maxIDs[accountKey][ts]; seen && current >= id {
				continue
			}
			maxIDs[accountKey][ts] = id
			cell[string(ts)] = changeIdString(id)
		}
	}
	return resp
}

// VerificationPayload is the one-shot JSON body POSTed to verify a
// subscription's endpoint.
type VerificationPayload struct {
	Type               string `json:"@type"`
	PushSubscriptionId string `json:"pushSubscriptionId"`
	VerificationCode   string `json:"verificationCode"`
}

func newVerificationPayload(id SubscriptionId, code string) VerificationPayload {
	return VerificationPayload{
		Type:               "PushVerification",
		PushSubscriptionId: jmapID(uint64(id)),
		VerificationCode:   code,
	}
}

const longSlumber = 365 * 24 * time.Hour
