package bus

import "time"

// Event kinds. Subscribers filter by prefix, so each group shares a namespace.
const (
	KindTransportState        = "transport.state_changed"
	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	KindCacheChat    = "cache.chat"
	KindCacheMessage = "cache.message"
	KindCacheTask    = "cache.task"

	KindViewUpdated = "view.updated"

	KindNotifyMessage = "notify.message"
	KindNotifyTask    = "notify.task"

	KindSessionInvalidated = "session.invalidated"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
