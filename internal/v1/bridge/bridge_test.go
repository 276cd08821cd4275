package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/engine/loopback"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

type fakeChannel struct {
	mu   sync.Mutex
	open bool
	sent [][]byte
}

func newFakeChannel() *fakeChannel { return &fakeChannel{open: true} }

func (f *fakeChannel) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return false
	}
	f.sent = append(f.sent, payload)
	return true
}

func (f *fakeChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

// types decodes the "type" field of every captured message, in order.
func (f *fakeChannel) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, raw := range f.sent {
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func (f *fakeChannel) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type fixture struct {
	clients *registry.ClientRegistry
	rooms   *registry.RoomRegistry
	adapter *engine.Adapter
	eng     *loopback.Engine
	bridge  *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := loopback.New()
	adapter := engine.NewAdapter(engine.Options{
		Factory:      eng.Factory(),
		NumWorkers:   1,
		OnWorkerDied: func(err error) { t.Errorf("unexpected worker death: %v", err) },
	})
	clients := registry.NewClientRegistry()
	rooms := registry.NewRoomRegistry(func() types.RoomOptions {
		return types.RoomOptions{AllowObservers: true}
	})
	return &fixture{
		clients: clients,
		rooms:   rooms,
		adapter: adapter,
		eng:     eng,
		bridge:  New(clients, rooms, adapter, nil),
	}
}

func (fx *fixture) join(t *testing.T, id types.ClientID, room types.RoomName) *fakeChannel {
	t.Helper()
	ch := newFakeChannel()
	client := fx.clients.Add(id, ch, nil)
	_, err := fx.rooms.Join(room, id, types.RolePublisher)
	require.NoError(t, err)
	client.AddRoom(room)
	return ch
}

// produce runs the full transport+producer setup for a client, mirroring the
// registry bookkeeping the session layer performs.
func (fx *fixture) produce(t *testing.T, id types.ClientID, room types.RoomName, kind types.MediaKind) string {
	t.Helper()
	ctx := context.Background()

	info, err := fx.adapter.CreateWebRtcTransport(ctx, room, id, types.DirectionSend)
	require.NoError(t, err)
	client := fx.clients.Get(id)
	client.AddTransport(info.ID, types.TransportBinding{Room: room, Direction: types.DirectionSend})

	result, err := fx.adapter.CreateProducer(ctx, engine.ProducerRequest{
		TransportID:   info.ID,
		ClientID:      id,
		Kind:          kind,
		RtpParameters: json.RawMessage(`{"codecs":[]}`),
	})
	require.NoError(t, err)

	fx.rooms.Get(room).AddProducer(result.ID, types.ProducerInfo{ClientID: id, Kind: kind, CreatedAt: time.Now()})
	client.AddProducer(result.ID)
	return result.ID
}

func TestBroadcastToRoomExcludesSender(t *testing.T) {
	fx := newFixture(t)
	aliceCh := fx.join(t, "alice", "standup")
	bobCh := fx.join(t, "bob", "standup")

	fx.bridge.BroadcastToRoom(context.Background(), "standup", map[string]string{"type": "hello"}, "alice")

	assert.Empty(t, aliceCh.types())
	assert.Equal(t, []string{"hello"}, bobCh.types())
}

func TestBroadcastToUnknownRoomIsNoop(t *testing.T) {
	fx := newFixture(t)
	fx.bridge.BroadcastToRoom(context.Background(), "nowhere", map[string]string{"type": "hello"}, "")
}

func TestEngineInitiatedProducerCloseFansOut(t *testing.T) {
	fx := newFixture(t)
	aliceCh := fx.join(t, "alice", "standup")
	bobCh := fx.join(t, "bob", "standup")
	producerID := fx.produce(t, "alice", "standup", types.MediaKindVideo)

	// the engine kills the producer on its own
	fx.eng.Producer(producerID).Close()

	// every current member hears about it, the owner included
	for name, ch := range map[string]*fakeChannel{"alice": aliceCh, "bob": bobCh} {
		msgs := ch.messages()
		require.Len(t, msgs, 1, name)
		var msg struct {
			Type       string         `json:"type"`
			Room       types.RoomName `json:"room"`
			ProducerID string         `json:"producerId"`
			ClientID   types.ClientID `json:"clientId"`
		}
		require.NoError(t, json.Unmarshal(msgs[0], &msg))
		assert.Equal(t, "sfu.producerClosed", msg.Type)
		assert.Equal(t, types.RoomName("standup"), msg.Room)
		assert.Equal(t, producerID, msg.ProducerID)
		assert.Equal(t, types.ClientID("alice"), msg.ClientID)
	}

	assert.False(t, fx.rooms.Get("standup").HasProducer(producerID))
	assert.False(t, fx.clients.Get("alice").OwnsProducer(producerID))
}

func TestDisconnectCleanup(t *testing.T) {
	fx := newFixture(t)
	aliceCh := fx.join(t, "alice", "standup")
	bobCh := fx.join(t, "bob", "standup")
	producerID := fx.produce(t, "alice", "standup", types.MediaKindVideo)

	aliceCh.Close()
	fx.bridge.Disconnect(context.Background(), "alice")

	// producer close is announced before the membership change
	assert.Equal(t, []string{"sfu.producerClosed", "member-left", "leave"}, bobCh.types())

	room := fx.rooms.Get("standup")
	require.NotNil(t, room)
	assert.Equal(t, []types.ClientID{"bob"}, room.Members())
	assert.Equal(t, types.ClientID("bob"), room.Owner())
	assert.False(t, room.HasProducer(producerID))

	assert.Nil(t, fx.clients.Get("alice"))
	m := fx.adapter.Metrics()
	assert.Equal(t, 0, m["producers"])
	assert.Equal(t, 0, m["transports"])
}

func TestDisconnectLastMemberDeletesRoom(t *testing.T) {
	fx := newFixture(t)
	fx.join(t, "alice", "standup")
	fx.produce(t, "alice", "standup", types.MediaKindAudio)

	fx.bridge.Disconnect(context.Background(), "alice")

	assert.Nil(t, fx.rooms.Get("standup"))
	m := fx.adapter.Metrics()
	assert.Equal(t, 0, m["rooms"])
}

func TestLeaveRoomRoundTrip(t *testing.T) {
	fx := newFixture(t)
	fx.join(t, "alice", "standup")
	bobCh := fx.join(t, "bob", "standup")
	producerID := fx.produce(t, "alice", "standup", types.MediaKindVideo)

	fx.bridge.LeaveRoom(context.Background(), "standup", "alice")

	room := fx.rooms.Get("standup")
	require.NotNil(t, room)
	assert.Equal(t, []types.ClientID{"bob"}, room.Members())
	assert.False(t, room.HasProducer(producerID))
	assert.False(t, fx.clients.Get("alice").InRoom("standup"))
	assert.Equal(t, []string{"sfu.producerClosed", "member-left"}, bobCh.types())

	// alice is still connected, only out of the room
	assert.NotNil(t, fx.clients.Get("alice"))
}

func TestLeaveRoomNonMemberIsSilent(t *testing.T) {
	fx := newFixture(t)
	aliceCh := fx.join(t, "alice", "standup")
	fx.clients.Add("mallory", newFakeChannel(), nil)

	fx.bridge.LeaveRoom(context.Background(), "standup", "mallory")

	// no spurious member-left, membership untouched
	assert.Empty(t, aliceCh.types())
	assert.Equal(t, []types.ClientID{"alice"}, fx.rooms.Get("standup").Members())
}

func TestTransportClosedEventPrunesClientState(t *testing.T) {
	fx := newFixture(t)
	fx.join(t, "alice", "standup")

	info, err := fx.adapter.CreateWebRtcTransport(context.Background(), "standup", "alice", types.DirectionSend)
	require.NoError(t, err)
	client := fx.clients.Get("alice")
	client.AddTransport(info.ID, types.TransportBinding{Room: "standup", Direction: types.DirectionSend})

	fx.eng.Transport(info.ID).Close()

	_, ok := client.TransportBinding(info.ID)
	assert.False(t, ok)
}

func TestSignalingOnlyModeDisconnect(t *testing.T) {
	clients := registry.NewClientRegistry()
	rooms := registry.NewRoomRegistry(nil)
	b := New(clients, rooms, nil, nil)

	ch := newFakeChannel()
	client := clients.Add("alice", ch, nil)
	_, err := rooms.Join("standup", "alice", types.RolePublisher)
	require.NoError(t, err)
	client.AddRoom("standup")

	b.Disconnect(context.Background(), "alice")

	assert.Nil(t, clients.Get("alice"))
	assert.Nil(t, rooms.Get("standup"))
}
