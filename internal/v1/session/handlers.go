package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/metrics"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

var errRoomRequired = errors.New("room is required")

// dispatch decodes one inbound frame and routes it. Frames that are not
// valid JSON or lack a type are logged and dropped without a reply; every
// other failure is surfaced as {type:"error",message}. Handlers run
// synchronously, so a connection's messages are processed strictly in order.
func (h *Hub) dispatch(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logging.Warn(ctx, "dropping invalid frame",
			zap.String("client_id", string(c.id)),
			zap.Error(err))
		metrics.SignalingEvents.WithLabelValues("invalid", "error").Inc()
		return
	}
	if env.Type == "" {
		logging.Warn(ctx, "dropping frame without type", zap.String("client_id", string(c.id)))
		metrics.SignalingEvents.WithLabelValues("invalid", "error").Inc()
		return
	}

	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "panic in message handler",
				zap.String("client_id", string(c.id)),
				zap.String("message_type", env.Type),
				zap.Any("panic", r))
			status = "error"
			h.sendError(c, env.RequestID, "handler error")
		}
		metrics.MessageProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())
		metrics.SignalingEvents.WithLabelValues(env.Type, status).Inc()
	}()

	state := h.clients.Get(c.id)
	if state == nil {
		logging.Warn(ctx, "message from unregistered client", zap.String("client_id", string(c.id)))
		status = "error"
		return
	}

	var err error
	switch env.Type {
	case "join":
		err = h.handleJoin(ctx, c, state, env)
	case "leaveRoom":
		err = h.handleLeaveRoom(ctx, c, env)
	case "leave":
		h.handleLeave(c)
	case "list":
		c.sendJSON(listMsg{Type: "list", Clients: h.clients.IDs(), RequestID: env.RequestID})
	case "rooms":
		c.sendJSON(roomsMsg{Type: "rooms", Rooms: h.rooms.Overview(), RequestID: env.RequestID})
	case "ice":
		err = h.handleIce(ctx, c, env)
	case "offer", "answer", "candidate":
		err = h.handleRelay(ctx, c, env, raw)
	case "sfu.createTransport":
		err = h.handleCreateTransport(ctx, c, state, env)
	case "sfu.connectTransport":
		err = h.handleConnectTransport(ctx, c, state, env)
	case "sfu.produce":
		err = h.handleProduce(ctx, c, state, env)
	case "sfu.consume":
		err = h.handleConsume(ctx, c, state, env)
	case "sfu.listProducers":
		err = h.handleListProducers(c, env)
	case "sfu.closeProducer":
		err = h.handleCloseProducer(c, state, env)
	case "startRecording":
		err = h.handleStartRecording(ctx, c, state, env)
	case "stopRecording":
		err = h.handleStopRecording(ctx, c, state, env)
	case "admin.rooms":
		err = h.handleAdminRooms(c, state, env)
	case "admin.roomInfo":
		err = h.handleAdminRoomInfo(c, state, env)
	case "admin.metrics":
		err = h.handleAdminMetrics(c, state, env)
	default:
		err = errors.New("unknown message type: " + env.Type)
	}

	if err != nil {
		status = "error"
		h.sendError(c, env.RequestID, err.Error())
	}
}

func (h *Hub) sendError(c *Client, requestID, message string) {
	c.sendJSON(errorMsg{Type: "error", Message: message, RequestID: requestID})
}

// handleJoin admits the client to a room. Membership is committed before the
// member-joined fan-out so other members can rely on the registry; observers
// additionally get the current producer list so they can consume right away.
func (h *Hub) handleJoin(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if env.Room == "" {
		return errRoomRequired
	}
	role, err := types.ParseRole(env.Role)
	if err != nil {
		return err
	}
	if role == types.RoleModerator && !state.User.IsAdmin() {
		return errors.New("only admin users can join as moderator")
	}

	roomName := types.RoomName(env.Room)
	room, err := h.rooms.Join(roomName, c.id, role)
	if err != nil {
		return err
	}
	state.SetRole(role)
	state.AddRoom(roomName)

	logging.Info(logging.WithRoom(ctx, env.Room), "client joined room",
		zap.String("client_id", string(c.id)),
		zap.String("role", string(role)))

	c.sendJSON(joinedMsg{Type: "joined", Room: roomName, ID: c.id, Role: role, RequestID: env.RequestID})
	h.bridge.BroadcastToRoom(ctx, roomName, memberJoinedMsg{Type: "member-joined", Room: roomName, ID: c.id, Role: role}, c.id)

	if role == types.RoleObserver {
		c.sendJSON(producersMsg{Type: "sfu.producers", Room: roomName, Producers: room.ProducersPayload()})
	}
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, env Envelope) error {
	if env.Room == "" {
		return errRoomRequired
	}
	roomName := types.RoomName(env.Room)
	room := h.rooms.Get(roomName)
	if room == nil {
		return errors.New("room not found")
	}
	if !room.HasMember(c.id) {
		return errNotInRoom
	}

	h.bridge.LeaveRoom(ctx, roomName, c.id)
	c.sendJSON(leftMsg{Type: "left", Room: roomName, ID: c.id, RequestID: env.RequestID})
	return nil
}

// handleLeave shuts the connection down; the read pump's disconnect path
// does the actual cleanup and the process-wide leave broadcast.
func (h *Hub) handleLeave(c *Client) {
	c.Close()
	c.conn.Close()
}

func (h *Hub) handleIce(ctx context.Context, c *Client, env Envelope) error {
	if len(env.Candidate) == 0 {
		return errors.New("candidate is required")
	}

	fwd := iceMsg{Type: "ice", From: c.id, Candidate: env.Candidate}
	switch {
	case env.To != "":
		if h.clients.Get(types.ClientID(env.To)) == nil {
			return errors.New("client not found")
		}
		h.clients.SendTo(types.ClientID(env.To), fwd)
		return nil
	case env.Room != "":
		h.bridge.BroadcastToRoom(ctx, types.RoomName(env.Room), fwd, c.id)
		return nil
	default:
		return errors.New("ice requires to or room")
	}
}

// handleRelay forwards a legacy offer/answer/candidate message unchanged,
// with the sender id stamped into a from field.
func (h *Hub) handleRelay(ctx context.Context, c *Client, env Envelope, raw []byte) error {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.New("invalid " + env.Type + " payload")
	}
	msg["from"] = string(c.id)

	switch {
	case env.To != "":
		if h.clients.Get(types.ClientID(env.To)) == nil {
			return errors.New("client not found")
		}
		h.clients.SendTo(types.ClientID(env.To), msg)
		return nil
	case env.Room != "":
		h.bridge.BroadcastToRoom(ctx, types.RoomName(env.Room), msg, c.id)
		return nil
	default:
		return errors.New(env.Type + " requires to or room")
	}
}
