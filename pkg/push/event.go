package push

// Event is the closed set of messages the Manager Loop consumes. Producers
// are the API layer (Update, Reset), the change-publication layer (Push),
// and the manager's own delivery tasks (DeliverySuccess, DeliveryFailure).
// The manager is the sole consumer; there is no other entry point into the
// state machine.
type Event struct {
	Update          *UpdateEvent
	Push            *PushEvent
	Reset           bool
	DeliverySuccess *DeliverySuccessEvent
	DeliveryFailure *DeliveryFailureEvent

	// snapshot is an internal, unexported query used by Manager.Snapshot
	// (design spec §4.13). It is not part of the public Event set described
	// in §4.1.
	snapshot chan []SubscriptionSnapshot
}

// UpdateEvent carries a batch of subscription-management operations.
type UpdateEvent struct {
	Updates []PushUpdate
}

// PushUpdateKind discriminates the PushUpdate sum type.
type PushUpdateKind int

const (
	PushUpdateVerify PushUpdateKind = iota
	PushUpdateRegister
	PushUpdateUnregister
)

// PushUpdate is one subscription-management operation.
type PushUpdate struct {
	Kind PushUpdateKind

	ID        SubscriptionId
	AccountId AccountId       // Verify only
	URL       string          // Verify, Register
	Code      string          // Verify only
	Keys      *EncryptionKeys // Verify, Register
}

func VerifyUpdate(id SubscriptionId, account AccountId, url, code string, keys *EncryptionKeys) PushUpdate {
	return PushUpdate{Kind: PushUpdateVerify, ID: id, AccountId: account, URL: url, Code: code, Keys: keys}
}

func RegisterUpdate(id SubscriptionId, url string, keys *EncryptionKeys) PushUpdate {
	return PushUpdate{Kind: PushUpdateRegister, ID: id, URL: url, Keys: keys}
}

func UnregisterUpdate(id SubscriptionId) PushUpdate {
	return PushUpdate{Kind: PushUpdateUnregister, ID: id}
}

// PushEvent fans a single state change out to a set of subscriptions.
type PushEvent struct {
	Ids         []SubscriptionId
	StateChange StateChange
}

// DeliverySuccessEvent reports that a delivery task's POST succeeded.
type DeliverySuccessEvent struct {
	ID SubscriptionId
}

// DeliveryFailureEvent reports that a delivery task's POST failed, and
// returns the snapshot it had taken so the manager can put it back on the
// buffer (spec §4.5).
type DeliveryFailureEvent struct {
	ID           SubscriptionId
	StateChanges []StateChange
}

// EventChannel is the bounded MPSC queue carrying Event values. It is a
// plain buffered channel: a bounded multi-producer single-consumer queue
// is a language primitive in Go, not a library concern. There is exactly
// one subscriber, the Manager Loop itself, so no fan-out/broker machinery
// is needed on top of it.
type EventChannel chan Event

// NewEventChannel creates a bounded event channel with the given capacity.
func NewEventChannel(buffer int) EventChannel {
	return make(EventChannel, buffer)
}

// Send enqueues an event, returning false if the channel is full or closed.
// Producers back off on a full channel rather than block (spec §4.1,
// "back-pressure on producers is acceptable").
func (c EventChannel) Send(e Event) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case c <- e:
		return true
	default:
		return false
	}
}

// SendUpdate enqueues an UpdateEvent.
func (c EventChannel) SendUpdate(updates ...PushUpdate) bool {
	return c.Send(Event{Update: &UpdateEvent{Updates: updates}})
}

// SendPush enqueues a PushEvent.
func (c EventChannel) SendPush(ids []SubscriptionId, change StateChange) bool {
	return c.Send(Event{Push: &PushEvent{Ids: ids, StateChange: change}})
}

// SendReset enqueues a Reset event.
func (c EventChannel) SendReset() bool {
	return c.Send(Event{Reset: true})
}

func (c EventChannel) sendDeliverySuccess(id SubscriptionId) bool {
	return c.Send(Event{DeliverySuccess: &DeliverySuccessEvent{ID: id}})
}

func (c EventChannel) sendDeliveryFailure(id SubscriptionId, changes []StateChange) bool {
	return c.Send(Event{DeliveryFailure: &DeliveryFailureEvent{ID: id, StateChanges: changes}})
}
