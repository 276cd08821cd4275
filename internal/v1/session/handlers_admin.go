package session

import (
	"errors"

	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

var errAdminRequired = errors.New("admin access required")

func requireAdmin(state *registry.ClientState) error {
	if !state.User.IsAdmin() {
		return errAdminRequired
	}
	return nil
}

func (h *Hub) handleAdminRooms(c *Client, state *registry.ClientState, env Envelope) error {
	if err := requireAdmin(state); err != nil {
		return err
	}
	c.sendJSON(adminRoomsMsg{Type: "admin.rooms", Rooms: h.rooms.Overview(), RequestID: env.RequestID})
	return nil
}

func (h *Hub) handleAdminRoomInfo(c *Client, state *registry.ClientState, env Envelope) error {
	if err := requireAdmin(state); err != nil {
		return err
	}
	if env.Room == "" {
		return errRoomRequired
	}
	room := h.rooms.Get(types.RoomName(env.Room))
	if room == nil {
		return errors.New("room not found")
	}
	c.sendJSON(adminRoomInfoMsg{Type: "admin.roomInfo", Room: room.Info(), RequestID: env.RequestID})
	return nil
}

func (h *Hub) handleAdminMetrics(c *Client, state *registry.ClientState, env Envelope) error {
	if err := requireAdmin(state); err != nil {
		return err
	}
	payload := map[string]any{
		"connections": h.clients.Count(),
		"rooms":       h.rooms.Count(),
	}
	if h.adapter != nil {
		payload["engine"] = h.adapter.Metrics()
	}
	c.sendJSON(adminMetricsMsg{Type: "admin.metrics", Metrics: payload, RequestID: env.RequestID})
	return nil
}
