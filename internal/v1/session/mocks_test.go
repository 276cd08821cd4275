package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meetmesh/signaling/internal/v1/bridge"
	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/engine/loopback"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// nopConn satisfies wsConnection for dispatch-level tests that never run the
// pumps.
type nopConn struct {
	mu     sync.Mutex
	closed bool
}

func (n *nopConn) ReadMessage() (int, []byte, error) {
	select {} // dispatch tests never read
}

func (n *nopConn) WriteMessage(messageType int, data []byte) error { return nil }

func (n *nopConn) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *nopConn) SetWriteDeadline(t time.Time) error { return nil }

func (n *nopConn) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// fakeRecorder records start/stop calls.
type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	stopped []string
	fail    bool
}

func (r *fakeRecorder) Start(ctx context.Context, producerID string, kind types.MediaKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", context.DeadlineExceeded
	}
	r.started = append(r.started, producerID)
	return "/recordings/" + producerID + ".webm", nil
}

func (r *fakeRecorder) Stop(ctx context.Context, producerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return context.DeadlineExceeded
	}
	r.stopped = append(r.stopped, producerID)
	return nil
}

type fixture struct {
	t        *testing.T
	hub      *Hub
	cfg      *config.Config
	clients  *registry.ClientRegistry
	rooms    *registry.RoomRegistry
	adapter  *engine.Adapter
	eng      *loopback.Engine
	recorder *fakeRecorder
}

type fixtureOption func(*config.Config)

func withMaxVideo(n int) fixtureOption {
	return func(cfg *config.Config) { cfg.MaxVideoPerRoom = n }
}

func withObserverPolicy(allow bool, max int) fixtureOption {
	return func(cfg *config.Config) {
		cfg.AllowObservers = allow
		cfg.MaxObservers = max
	}
}

func withoutSFU() fixtureOption {
	return func(cfg *config.Config) { cfg.EnableSFU = false }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := &config.Config{
		Port:           "8080",
		EnableSFU:      true,
		AllowObservers: true,
		ICEServers:     []config.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clients := registry.NewClientRegistry()
	rooms := registry.NewRoomRegistry(func() types.RoomOptions {
		maxVideo, allowObservers, maxObservers := cfg.RoomOptionsSource()
		return types.RoomOptions{
			MaxVideoProducers: maxVideo,
			AllowObservers:    allowObservers,
			MaxObservers:      maxObservers,
		}
	})

	var adapter *engine.Adapter
	eng := loopback.New()
	if cfg.EnableSFU {
		adapter = engine.NewAdapter(engine.Options{
			Factory:    eng.Factory(),
			NumWorkers: 1,
			OnWorkerDied: func(err error) {
				t.Errorf("unexpected worker death: %v", err)
			},
		})
	}
	br := bridge.New(clients, rooms, adapter, nil)
	recorder := &fakeRecorder{}
	hub := NewHub(cfg, nil, clients, rooms, adapter, br, recorder)

	return &fixture{
		t:        t,
		hub:      hub,
		cfg:      cfg,
		clients:  clients,
		rooms:    rooms,
		adapter:  adapter,
		eng:      eng,
		recorder: recorder,
	}
}

// connect registers a client without running pumps; outbound frames queue on
// the client's send buffer for received() to drain.
func (f *fixture) connect(id types.ClientID, user *types.User) *Client {
	client := newClient(id, f.hub, &nopConn{})
	f.clients.Add(id, client, user)
	return client
}

func (f *fixture) admin(id types.ClientID) *Client {
	return f.connect(id, &types.User{ID: string(id), Name: string(id), Role: types.UserRoleAdmin})
}

// send dispatches one frame as if it arrived on the wire.
func (f *fixture) send(c *Client, msg map[string]any) {
	f.t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(f.t, err)
	f.hub.dispatch(context.Background(), c, raw)
}

// received drains and decodes everything queued on the client's channel.
func (f *fixture) received(c *Client) []map[string]any {
	f.t.Helper()
	var out []map[string]any
	for {
		select {
		case raw := <-c.send:
			var msg map[string]any
			require.NoError(f.t, json.Unmarshal(raw, &msg))
			out = append(out, msg)
		default:
			return out
		}
	}
}

// lastOfType returns the most recent drained message of the given type.
func lastOfType(msgs []map[string]any, msgType string) map[string]any {
	var found map[string]any
	for _, msg := range msgs {
		if msg["type"] == msgType {
			found = msg
		}
	}
	return found
}

func typesOf(msgs []map[string]any) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg["type"].(string))
	}
	return out
}

func (f *fixture) join(c *Client, room string, role string) {
	f.t.Helper()
	msg := map[string]any{"type": "join", "room": room}
	if role != "" {
		msg["role"] = role
	}
	f.send(c, msg)
}

// produceVideo runs the full createTransport/connectTransport/produce flow
// and returns the producer id, draining the client's replies.
func (f *fixture) produce(c *Client, room, kind string) (producerID string, errMsg string) {
	f.t.Helper()

	f.send(c, map[string]any{"type": "sfu.createTransport", "room": room, "direction": "send"})
	created := lastOfType(f.received(c), "sfu.transportCreated")
	require.NotNil(f.t, created, "expected sfu.transportCreated")
	transportID := created["transportId"].(string)

	f.send(c, map[string]any{
		"type":           "sfu.connectTransport",
		"transportId":    transportID,
		"dtlsParameters": map[string]any{"role": "client"},
	})
	connected := lastOfType(f.received(c), "sfu.transportConnected")
	require.NotNil(f.t, connected, "expected sfu.transportConnected")

	f.send(c, map[string]any{
		"type":          "sfu.produce",
		"transportId":   transportID,
		"room":          room,
		"kind":          kind,
		"rtpParameters": map[string]any{"codecs": []any{}},
	})
	msgs := f.received(c)
	if produced := lastOfType(msgs, "sfu.produced"); produced != nil {
		return produced["producerId"].(string), ""
	}
	errReply := lastOfType(msgs, "error")
	require.NotNil(f.t, errReply, "expected sfu.produced or error")
	return "", errReply["message"].(string)
}

// recvTransport creates and connects a recv transport, returning its id.
func (f *fixture) recvTransport(c *Client, room string) string {
	f.t.Helper()
	f.send(c, map[string]any{"type": "sfu.createTransport", "room": room, "direction": "recv"})
	created := lastOfType(f.received(c), "sfu.transportCreated")
	require.NotNil(f.t, created, "expected sfu.transportCreated")
	transportID := created["transportId"].(string)
	f.send(c, map[string]any{
		"type":           "sfu.connectTransport",
		"transportId":    transportID,
		"dtlsParameters": map[string]any{"role": "client"},
	})
	f.received(c)
	return transportID
}
