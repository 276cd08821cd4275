// Package bridge connects the media engine adapter to the control-plane
// registries. It owns the one subscription to engine lifecycle events, the
// room fan-out primitive used by every handler, and the cleanup orchestration
// that runs on leave and disconnect.
package bridge

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Bus is the optional cross-instance fan-out. Publish failures are advisory.
type Bus interface {
	PublishBroadcast(ctx context.Context, room types.RoomName, payload []byte, exclude types.ClientID) error
}

// producerClosedMsg is pushed to every room member when a producer goes away,
// whether by explicit close or an engine-initiated event.
type producerClosedMsg struct {
	Type       string         `json:"type"`
	Room       types.RoomName `json:"room"`
	ProducerID string         `json:"producerId"`
	ClientID   types.ClientID `json:"clientId"`
}

type memberLeftMsg struct {
	Type string         `json:"type"`
	Room types.RoomName `json:"room"`
	ID   types.ClientID `json:"id"`
}

type leaveMsg struct {
	Type string         `json:"type"`
	ID   types.ClientID `json:"id"`
}

// Bridge wires the adapter's lifecycle events into registry mutations and
// room broadcasts. Construct it once at startup, before any client traffic;
// the adapter may be nil in signaling-only mode.
type Bridge struct {
	clients *registry.ClientRegistry
	rooms   *registry.RoomRegistry
	adapter *engine.Adapter
	bus     Bus
}

func New(clients *registry.ClientRegistry, rooms *registry.RoomRegistry, adapter *engine.Adapter, bus Bus) *Bridge {
	b := &Bridge{
		clients: clients,
		rooms:   rooms,
		adapter: adapter,
		bus:     bus,
	}
	if adapter != nil {
		adapter.SetEventHandler(b.handleEngineEvent)
	}
	return b
}

// handleEngineEvent applies one normalized engine event to the registries.
// Events can arrive after a client's registry entry is gone; every branch
// tolerates missing entries.
func (b *Bridge) handleEngineEvent(ev engine.Event) {
	ctx := context.Background()

	switch ev.Kind {
	case engine.EventTransportClosed:
		if client := b.clients.Get(ev.ClientID); client != nil {
			client.RemoveTransport(ev.ID)
		}

	case engine.EventProducerClosed:
		if room := b.rooms.Get(ev.Room); room != nil {
			room.RemoveProducer(ev.ID)
		}
		if client := b.clients.Get(ev.ClientID); client != nil {
			client.RemoveProducer(ev.ID)
		}
		// all current members, the producer's owner included
		b.BroadcastToRoom(ctx, ev.Room, producerClosedMsg{
			Type:       "sfu.producerClosed",
			Room:       ev.Room,
			ProducerID: ev.ID,
			ClientID:   ev.ClientID,
		}, "")

	case engine.EventConsumerClosed:
		if client := b.clients.Get(ev.ClientID); client != nil {
			client.RemoveConsumer(ev.ID)
		}
	}
}

// BroadcastToRoom sends the payload to every member of the room, skipping
// exclude when non-empty. Send failures are silent; a dead channel's own
// close path runs the cleanup.
func (b *Bridge) BroadcastToRoom(ctx context.Context, roomName types.RoomName, payload any, exclude types.ClientID) {
	room := b.rooms.Get(roomName)
	if room == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(ctx, "failed to marshal broadcast payload",
			zap.String("room", string(roomName)),
			zap.Error(err))
		return
	}

	b.deliverLocal(room, raw, exclude)

	if b.bus != nil {
		if err := b.bus.PublishBroadcast(ctx, roomName, raw, exclude); err != nil {
			logging.Warn(ctx, "failed to republish broadcast",
				zap.String("room", string(roomName)),
				zap.Error(err))
		}
	}
}

// DeliverRemote hands a broadcast received from another instance to the
// local members of the room. Wired to the bus subscription in main.
func (b *Bridge) DeliverRemote(roomName types.RoomName, raw []byte, exclude types.ClientID) {
	room := b.rooms.Get(roomName)
	if room == nil {
		return
	}
	b.deliverLocal(room, raw, exclude)
}

func (b *Bridge) deliverLocal(room *registry.Room, raw []byte, exclude types.ClientID) {
	for _, id := range room.Members() {
		if exclude != "" && id == exclude {
			continue
		}
		client := b.clients.Get(id)
		if client == nil || !client.Channel.IsOpen() {
			continue
		}
		client.Channel.Send(raw)
	}
	metrics.BroadcastsSent.Inc()
}

// CloseClientProducers closes every producer the client owns in the room.
// Engine closes flow back through the event handler, which removes the room
// and client entries and broadcasts sfu.producerClosed; if the adapter is
// absent or an event never fires, the table entries are removed here anyway
// so control-plane state cannot outlive a failed engine.
func (b *Bridge) CloseClientProducers(ctx context.Context, room *registry.Room, id types.ClientID) {
	for _, producerID := range room.ProducersOf(id) {
		if b.adapter != nil {
			b.adapter.CloseProducer(producerID)
		}
		room.RemoveProducer(producerID)
		if client := b.clients.Get(id); client != nil {
			client.RemoveProducer(producerID)
		}
	}
}

// RemoveFromAllRooms walks every room the client joined: closes its producers
// there, drops its membership, notifies the remaining members, and deletes
// rooms left empty. member-left is sent only after the producers are closed.
func (b *Bridge) RemoveFromAllRooms(ctx context.Context, id types.ClientID) {
	client := b.clients.Get(id)
	if client == nil {
		return
	}

	for _, roomName := range client.Rooms() {
		room := b.rooms.Get(roomName)
		if room == nil {
			client.RemoveRoom(roomName)
			continue
		}

		b.CloseClientProducers(ctx, room, id)
		room.RemoveMember(id)
		client.RemoveRoom(roomName)

		b.BroadcastToRoom(ctx, roomName, memberLeftMsg{Type: "member-left", Room: roomName, ID: id}, id)
		b.DeleteRoomIfEmpty(roomName)
	}
}

// LeaveRoom removes the client from a single room, with the same producer
// close and empty-room deletion semantics as RemoveFromAllRooms.
func (b *Bridge) LeaveRoom(ctx context.Context, roomName types.RoomName, id types.ClientID) {
	room := b.rooms.Get(roomName)
	if room == nil || !room.HasMember(id) {
		return
	}

	b.CloseClientProducers(ctx, room, id)
	room.RemoveMember(id)
	if client := b.clients.Get(id); client != nil {
		client.RemoveRoom(roomName)
	}

	b.BroadcastToRoom(ctx, roomName, memberLeftMsg{Type: "member-left", Room: roomName, ID: id}, id)
	b.DeleteRoomIfEmpty(roomName)
}

// CloseResources releases every engine resource the client holds. Best
// effort: individual failures are logged and skipped, and a final CloseClient
// sweep catches anything the id sets missed.
func (b *Bridge) CloseResources(ctx context.Context, id types.ClientID) {
	client := b.clients.Get(id)
	if client == nil {
		return
	}
	if b.adapter == nil {
		return
	}

	for _, consumerID := range client.Consumers() {
		b.adapter.CloseConsumer(consumerID)
	}
	for _, producerID := range client.Producers() {
		b.adapter.CloseProducer(producerID)
	}
	for _, transportID := range client.Transports() {
		b.adapter.CloseTransport(transportID)
	}
	b.adapter.CloseClient(id)
}

// Disconnect is the single cleanup path driven by channel close: leave every
// room, release every engine resource, forget the client, and tell everyone
// still connected that the client is gone.
func (b *Bridge) Disconnect(ctx context.Context, id types.ClientID) {
	b.RemoveFromAllRooms(ctx, id)
	b.CloseResources(ctx, id)
	b.clients.Remove(id)

	raw, err := json.Marshal(leaveMsg{Type: "leave", ID: id})
	if err != nil {
		return
	}
	for _, other := range b.clients.IDs() {
		client := b.clients.Get(other)
		if client == nil || !client.Channel.IsOpen() {
			continue
		}
		client.Channel.Send(raw)
	}

	logging.Info(ctx, "client disconnected and cleaned up", zap.String("client_id", string(id)))
}

// DeleteRoomIfEmpty removes an empty room from the registry and tears down
// its engine router.
func (b *Bridge) DeleteRoomIfEmpty(roomName types.RoomName) {
	if b.rooms.DeleteIfEmpty(roomName) {
		if b.adapter != nil {
			b.adapter.CloseRoom(roomName)
		}
		logging.Info(context.Background(), "removed empty room", zap.String("room", string(roomName)))
	}
}
