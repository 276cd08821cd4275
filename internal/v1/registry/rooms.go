package registry

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/types"
)

var (
	ErrObserversNotAllowed = errors.New("observers are not allowed in this room")
	ErrObserverLimit       = errors.New("room observer limit reached")
)

// Room is one named multiplexing domain: its members in join order, their
// roles, the owner, and the producer table. All methods are safe for
// concurrent use.
type Room struct {
	Name types.RoomName

	mu         sync.RWMutex
	members    []types.ClientID // join order, drives owner reassignment
	roles      map[types.ClientID]types.Role
	observers  set.Set[types.ClientID]
	moderators set.Set[types.ClientID]
	ownerID    types.ClientID
	producers  map[string]types.ProducerInfo
	options    types.RoomOptions
	createdAt  time.Time
}

func newRoom(name types.RoomName, options types.RoomOptions) *Room {
	return &Room{
		Name:       name,
		roles:      make(map[types.ClientID]types.Role),
		observers:  set.New[types.ClientID](),
		moderators: set.New[types.ClientID](),
		producers:  make(map[string]types.ProducerInfo),
		options:    options,
		createdAt:  time.Now(),
	}
}

// AddMember admits a client with the given role, enforcing the room's
// observer policy. Re-adding an existing member updates its role in place
// without changing its join position.
func (r *Room) AddMember(id types.ClientID, role types.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if role == types.RoleObserver {
		if !r.options.AllowObservers {
			return ErrObserversNotAllowed
		}
		if r.options.MaxObservers > 0 && !r.observers.Has(id) && r.observers.Len() >= r.options.MaxObservers {
			return ErrObserverLimit
		}
	}

	if _, known := r.roles[id]; !known {
		r.members = append(r.members, id)
	}
	r.roles[id] = role

	r.observers.Delete(id)
	r.moderators.Delete(id)
	switch role {
	case types.RoleObserver:
		r.observers.Insert(id)
	case types.RoleModerator:
		r.moderators.Insert(id)
	}

	if r.ownerID == "" && role != types.RoleObserver {
		r.ownerID = id
	}

	metrics.RoomMembers.WithLabelValues(string(r.Name)).Set(float64(len(r.members)))
	return nil
}

// RemoveMember drops a client from every membership structure and reassigns
// the owner to the earliest remaining non-observer joiner. Unknown ids are a
// no-op.
func (r *Room) RemoveMember(id types.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.roles[id]; !known {
		return
	}
	delete(r.roles, id)
	r.observers.Delete(id)
	r.moderators.Delete(id)
	for i, member := range r.members {
		if member == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}

	if r.ownerID == id {
		r.ownerID = ""
		for _, member := range r.members {
			if r.roles[member] != types.RoleObserver {
				r.ownerID = member
				break
			}
		}
	}

	metrics.RoomMembers.WithLabelValues(string(r.Name)).Set(float64(len(r.members)))
}

// HasMember reports whether the client is in the room.
func (r *Room) HasMember(id types.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[id]
	return ok
}

// Members snapshots the member ids in join order.
func (r *Room) Members() []types.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.ClientID(nil), r.members...)
}

// MemberCount reports the number of members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Role reports a member's role.
func (r *Room) Role(id types.ClientID) (types.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	return role, ok
}

// Owner reports the current owner, or "" when the room has none.
func (r *Room) Owner() types.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerID
}

// IsModerator reports whether the client is a moderator of the room.
func (r *Room) IsModerator(id types.ClientID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.moderators.Has(id)
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}

// Options returns the room options captured at creation.
func (r *Room) Options() types.RoomOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.options
}

// AddProducer inserts a producer into the room's table.
func (r *Room) AddProducer(id string, info types.ProducerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[id] = info
}

// RemoveProducer deletes a producer from the table, returning its info.
func (r *Room) RemoveProducer(id string) (types.ProducerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.producers[id]
	delete(r.producers, id)
	return info, ok
}

// HasProducer reports whether the producer is listed in the room.
func (r *Room) HasProducer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.producers[id]
	return ok
}

// ProducersOf snapshots the producer ids owned by one client.
func (r *Room) ProducersOf(id types.ClientID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for producerID, info := range r.producers {
		if info.ClientID == id {
			out = append(out, producerID)
		}
	}
	return out
}

// VideoProducerCount counts the room's current video producers.
func (r *Room) VideoProducerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, info := range r.producers {
		if info.Kind == types.MediaKindVideo {
			n++
		}
	}
	return n
}

// ProducerEntry is one row of the producers payload sent to clients.
type ProducerEntry struct {
	ProducerID string         `json:"producerId"`
	Kind       types.MediaKind `json:"kind"`
	ClientID   types.ClientID `json:"clientId"`
}

// ProducersPayload snapshots the producer table in wire form.
func (r *Room) ProducersPayload() []ProducerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerEntry, 0, len(r.producers))
	for id, info := range r.producers {
		out = append(out, ProducerEntry{ProducerID: id, Kind: info.Kind, ClientID: info.ClientID})
	}
	return out
}

// RoomInfo is the detailed admin view of one room.
type RoomInfo struct {
	Name       types.RoomName                 `json:"name"`
	Members    []types.ClientID               `json:"members"`
	Roles      map[types.ClientID]types.Role  `json:"roles"`
	OwnerID    types.ClientID                 `json:"ownerId,omitempty"`
	Observers  []types.ClientID               `json:"observers"`
	Moderators []types.ClientID               `json:"moderators"`
	Producers  []ProducerEntry                `json:"producers"`
	Options    types.RoomOptions              `json:"options"`
	CreatedAt  time.Time                      `json:"createdAt"`
}

// Info snapshots the room for the admin surface.
func (r *Room) Info() RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make(map[types.ClientID]types.Role, len(r.roles))
	for id, role := range r.roles {
		roles[id] = role
	}
	producers := make([]ProducerEntry, 0, len(r.producers))
	for id, info := range r.producers {
		producers = append(producers, ProducerEntry{ProducerID: id, Kind: info.Kind, ClientID: info.ClientID})
	}
	return RoomInfo{
		Name:       r.Name,
		Members:    append([]types.ClientID(nil), r.members...),
		Roles:      roles,
		OwnerID:    r.ownerID,
		Observers:  r.observers.SortedList(),
		Moderators: r.moderators.SortedList(),
		Producers:  producers,
		Options:    r.options,
		CreatedAt:  r.createdAt,
	}
}

// RoomSummary is one row of the rooms overview.
type RoomSummary struct {
	Name  types.RoomName `json:"name"`
	Count int            `json:"count"`
}

// RoomRegistry is the process-wide table of active rooms. Room options are
// captured from the options source at creation time, so later configuration
// changes never affect existing rooms.
type RoomRegistry struct {
	mu      sync.Mutex
	rooms   map[types.RoomName]*Room
	options func() types.RoomOptions
}

func NewRoomRegistry(options func() types.RoomOptions) *RoomRegistry {
	if options == nil {
		options = func() types.RoomOptions { return types.RoomOptions{AllowObservers: true} }
	}
	return &RoomRegistry{
		rooms:   make(map[types.RoomName]*Room),
		options: options,
	}
}

// Ensure returns the room, creating it when absent. Idempotent.
func (rr *RoomRegistry) Ensure(name types.RoomName) *Room {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.ensureLocked(name)
}

func (rr *RoomRegistry) ensureLocked(name types.RoomName) *Room {
	if room, ok := rr.rooms[name]; ok {
		return room
	}
	room := newRoom(name, rr.options())
	rr.rooms[name] = room
	metrics.ActiveRooms.Inc()
	return room
}

// Join atomically ensures the room and admits the member, so an empty-room
// deletion can never interleave between creation and admission. A room
// created by a failed observer join is not left behind.
func (rr *RoomRegistry) Join(name types.RoomName, id types.ClientID, role types.Role) (*Room, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room := rr.ensureLocked(name)
	if err := room.AddMember(id, role); err != nil {
		if room.Empty() {
			delete(rr.rooms, name)
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(string(name))
		}
		return nil, err
	}
	return room, nil
}

// Get returns the room, or nil if absent.
func (rr *RoomRegistry) Get(name types.RoomName) *Room {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.rooms[name]
}

// DeleteIfEmpty removes the room when it has no members. Reports whether a
// deletion happened.
func (rr *RoomRegistry) DeleteIfEmpty(name types.RoomName) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room, ok := rr.rooms[name]
	if !ok || !room.Empty() {
		return false
	}
	delete(rr.rooms, name)
	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(name))
	return true
}

// Overview snapshots every room's name and member count.
func (rr *RoomRegistry) Overview() []RoomSummary {
	rr.mu.Lock()
	rooms := make([]*Room, 0, len(rr.rooms))
	for _, room := range rr.rooms {
		rooms = append(rooms, room)
	}
	rr.mu.Unlock()

	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomSummary{Name: room.Name, Count: room.MemberCount()})
	}
	return out
}

// Count reports the number of active rooms.
func (rr *RoomRegistry) Count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.rooms)
}
