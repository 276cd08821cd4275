// Package registry holds the two process-wide authoritative tables of the
// control plane: connected clients and active rooms. Both registries are
// reference types constructed once at startup; everything else refers to
// clients and rooms by identifier and resolves through them.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// ClientState is one connected client's session state: its outbound channel,
// authenticated principal, current role, and the identifiers of every engine
// resource and room it holds. The engine handles themselves live in the
// adapter; this side only tracks ids.
type ClientState struct {
	ID      types.ClientID
	User    *types.User
	Channel types.Channel

	mu         sync.RWMutex
	role       types.Role
	transports map[string]types.TransportBinding
	producers  map[string]struct{}
	consumers  map[string]struct{}
	rooms      map[types.RoomName]struct{}
}

// Role returns the client's current room role.
func (c *ClientState) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// SetRole updates the client's room role.
func (c *ClientState) SetRole(role types.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// AddTransport records ownership of a transport and its room binding.
func (c *ClientState) AddTransport(id string, binding types.TransportBinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[id] = binding
}

// RemoveTransport forgets a transport. Unknown ids are a no-op.
func (c *ClientState) RemoveTransport(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transports, id)
}

// TransportBinding reports the room and direction a transport was created
// with, if this client owns it.
func (c *ClientState) TransportBinding(id string) (types.TransportBinding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	binding, ok := c.transports[id]
	return binding, ok
}

// Transports snapshots the owned transport ids.
func (c *ClientState) Transports() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.transports))
	for id := range c.transports {
		out = append(out, id)
	}
	return out
}

// AddProducer records ownership of a producer.
func (c *ClientState) AddProducer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.producers[id] = struct{}{}
}

// RemoveProducer forgets a producer. Unknown ids are a no-op.
func (c *ClientState) RemoveProducer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.producers, id)
}

// OwnsProducer reports whether the client owns the producer.
func (c *ClientState) OwnsProducer(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.producers[id]
	return ok
}

// Producers snapshots the owned producer ids.
func (c *ClientState) Producers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.producers))
	for id := range c.producers {
		out = append(out, id)
	}
	return out
}

// AddConsumer records ownership of a consumer.
func (c *ClientState) AddConsumer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers[id] = struct{}{}
}

// RemoveConsumer forgets a consumer. Unknown ids are a no-op.
func (c *ClientState) RemoveConsumer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.consumers, id)
}

// Consumers snapshots the owned consumer ids.
func (c *ClientState) Consumers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.consumers))
	for id := range c.consumers {
		out = append(out, id)
	}
	return out
}

// AddRoom records room membership on the client side.
func (c *ClientState) AddRoom(room types.RoomName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

// RemoveRoom forgets room membership on the client side.
func (c *ClientState) RemoveRoom(room types.RoomName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// InRoom reports whether the client has joined the room.
func (c *ClientState) InRoom(room types.RoomName) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Rooms snapshots the rooms the client has joined.
func (c *ClientState) Rooms() []types.RoomName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.RoomName, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// ClientRegistry is the process-wide table of connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[types.ClientID]*ClientState
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[types.ClientID]*ClientState)}
}

// Add registers a freshly connected client and returns its state.
func (r *ClientRegistry) Add(id types.ClientID, channel types.Channel, user *types.User) *ClientState {
	state := &ClientState{
		ID:         id,
		User:       user,
		Channel:    channel,
		role:       types.RolePublisher,
		transports: make(map[string]types.TransportBinding),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
		rooms:      make(map[types.RoomName]struct{}),
	}

	r.mu.Lock()
	r.clients[id] = state
	r.mu.Unlock()

	metrics.IncConnection()
	return state
}

// Get returns the client's state, or nil if unknown.
func (r *ClientRegistry) Get(id types.ClientID) *ClientState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Remove deletes the client from the registry. The caller is responsible for
// releasing the client's resources first.
func (r *ClientRegistry) Remove(id types.ClientID) {
	r.mu.Lock()
	_, existed := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if existed {
		metrics.DecConnection()
	}
}

// SendTo marshals the payload and writes it to the client's channel. Returns
// false when the client is unknown, the channel is closed, or the write is
// refused; send failures are advisory, the channel's own close path drives
// cleanup.
func (r *ClientRegistry) SendTo(id types.ClientID, payload any) bool {
	state := r.Get(id)
	if state == nil {
		return false
	}
	if !state.Channel.IsOpen() {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound payload",
			zap.String("client_id", string(id)),
			zap.Error(err))
		return false
	}
	return state.Channel.Send(raw)
}

// IDs snapshots the connected client ids.
func (r *ClientRegistry) IDs() []types.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ClientID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// Count reports the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
