package engine

import "github.com/meetmesh/signaling/internal/v1/types"

// EventKind is the closed set of lifecycle events the adapter emits.
type EventKind string

const (
	EventTransportClosed EventKind = "transport-closed"
	EventProducerClosed  EventKind = "producer-closed"
	EventConsumerClosed  EventKind = "consumer-closed"
)

// Event is one normalized lifecycle notification. Events fire after the
// adapter's own tables have been updated, so a handler observing an event
// will no longer find the resource registered.
type Event struct {
	Kind     EventKind
	Room     types.RoomName
	ClientID types.ClientID
	ID       string
	Reason   string
}
