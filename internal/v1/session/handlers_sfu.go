package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

var (
	errSFUNotEnabled     = errors.New("sfu not enabled")
	errTransportNotFound = errors.New("transport not found")
	errProducerNotFound  = errors.New("producer not found")
	errNotInRoom         = errors.New("not in room")
)

// memberOf returns the room if the client has joined it.
func (h *Hub) memberOf(roomName types.RoomName, id types.ClientID) (*registry.Room, error) {
	room := h.rooms.Get(roomName)
	if room == nil || !room.HasMember(id) {
		return nil, errNotInRoom
	}
	return room, nil
}

func (h *Hub) handleCreateTransport(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.Room == "" {
		return errRoomRequired
	}
	roomName := types.RoomName(env.Room)
	if _, err := h.memberOf(roomName, c.id); err != nil {
		return err
	}
	direction, err := types.ParseDirection(env.Direction)
	if err != nil {
		return err
	}

	info, err := h.adapter.CreateWebRtcTransport(ctx, roomName, c.id, direction)
	if err != nil {
		logging.Error(ctx, "transport creation failed",
			zap.String("client_id", string(c.id)),
			zap.String("room", env.Room),
			zap.Error(err))
		return errors.New("sfu.createTransport failed")
	}
	state.AddTransport(info.ID, types.TransportBinding{Room: roomName, Direction: direction})

	c.sendJSON(transportCreatedMsg{
		Type:                  "sfu.transportCreated",
		TransportID:           info.ID,
		ICEParameters:         info.ICEParameters,
		ICECandidates:         info.ICECandidates,
		DTLSParameters:        info.DTLSParameters,
		ICEServers:            h.cfg.ICEServers,
		RouterRtpCapabilities: info.RouterRtpCapabilities,
		Direction:             info.Direction,
		RequestID:             env.RequestID,
	})
	return nil
}

func (h *Hub) handleConnectTransport(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.TransportID == "" {
		return errors.New("transportId is required")
	}
	if len(env.DtlsParameters) == 0 {
		return errors.New("dtlsParameters is required")
	}
	if _, ok := state.TransportBinding(env.TransportID); !ok {
		return errTransportNotFound
	}

	if err := h.adapter.ConnectTransport(ctx, env.TransportID, env.DtlsParameters); err != nil {
		if errors.Is(err, engine.ErrTransportNotFound) {
			return errTransportNotFound
		}
		logging.Error(ctx, "transport connect failed",
			zap.String("transport_id", env.TransportID),
			zap.Error(err))
		return errors.New("sfu.connectTransport failed")
	}

	c.sendJSON(transportConnectedMsg{Type: "sfu.transportConnected", TransportID: env.TransportID, RequestID: env.RequestID})
	return nil
}

// handleProduce creates a producer on the client's send transport. The
// producer is registered in the room table before sfu.newProducer goes out,
// so a member reacting to the fan-out can consume immediately.
func (h *Hub) handleProduce(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.TransportID == "" {
		return errors.New("transportId is required")
	}
	if env.Room == "" {
		return errRoomRequired
	}
	if len(env.RtpParameters) == 0 {
		return errors.New("rtpParameters is required")
	}
	if !state.Role().CanProduce() {
		return errors.New("observers cannot produce")
	}
	kind, err := types.ParseMediaKind(env.Kind)
	if err != nil {
		return err
	}

	roomName := types.RoomName(env.Room)
	room, err := h.memberOf(roomName, c.id)
	if err != nil {
		return err
	}
	if _, ok := state.TransportBinding(env.TransportID); !ok {
		return errTransportNotFound
	}

	if kind == types.MediaKindVideo {
		if opts := room.Options(); opts.MaxVideoProducers > 0 && room.VideoProducerCount() >= opts.MaxVideoProducers {
			return fmt.Errorf("room already has %d video producers", opts.MaxVideoProducers)
		}
	}

	result, err := h.adapter.CreateProducer(ctx, engine.ProducerRequest{
		TransportID:   env.TransportID,
		Room:          roomName,
		ClientID:      c.id,
		Kind:          kind,
		RtpParameters: env.RtpParameters,
	})
	if err != nil {
		if errors.Is(err, engine.ErrWrongRoom) || errors.Is(err, engine.ErrTransportNotFound) {
			return err
		}
		logging.Error(ctx, "produce failed",
			zap.String("client_id", string(c.id)),
			zap.String("room", env.Room),
			zap.Error(err))
		return errors.New("sfu.produce failed")
	}

	room.AddProducer(result.ID, types.ProducerInfo{ClientID: c.id, Kind: kind, CreatedAt: time.Now()})
	state.AddProducer(result.ID)

	c.sendJSON(producedMsg{Type: "sfu.produced", ProducerID: result.ID, Kind: kind, RequestID: env.RequestID})
	h.bridge.BroadcastToRoom(ctx, roomName, newProducerMsg{
		Type:         "sfu.newProducer",
		Room:         roomName,
		ProducerID:   result.ID,
		ClientID:     c.id,
		ProducerUser: state.User,
		Kind:         kind,
	}, c.id)

	if kind == types.MediaKindVideo && h.cfg.AutoRecord && h.recorder != nil {
		go func(producerID string) {
			if _, err := h.recorder.Start(context.Background(), producerID, types.MediaKindVideo); err != nil {
				logging.Warn(context.Background(), "auto-record start failed",
					zap.String("producer_id", producerID),
					zap.Error(err))
			}
		}(result.ID)
	}
	return nil
}

func (h *Hub) handleConsume(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.TransportID == "" {
		return errors.New("transportId is required")
	}
	if env.ProducerID == "" {
		return errors.New("producerId is required")
	}
	if env.Room == "" {
		return errRoomRequired
	}

	roomName := types.RoomName(env.Room)
	room, err := h.memberOf(roomName, c.id)
	if err != nil {
		return err
	}
	if !room.HasProducer(env.ProducerID) {
		return errProducerNotFound
	}
	if _, ok := state.TransportBinding(env.TransportID); !ok {
		return errTransportNotFound
	}

	result, err := h.adapter.CreateConsumer(ctx, engine.ConsumerRequest{
		TransportID:     env.TransportID,
		ProducerID:      env.ProducerID,
		ClientID:        c.id,
		RtpCapabilities: env.RtpCapabilities,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrCannotConsume):
			return err
		case errors.Is(err, engine.ErrProducerNotFound):
			return errProducerNotFound
		case errors.Is(err, engine.ErrTransportNotFound):
			return errTransportNotFound
		}
		logging.Error(ctx, "consume failed",
			zap.String("client_id", string(c.id)),
			zap.String("producer_id", env.ProducerID),
			zap.Error(err))
		return errors.New("sfu.consume failed")
	}
	state.AddConsumer(result.ID)

	c.sendJSON(consumedMsg{
		Type:          "sfu.consumed",
		ConsumerID:    result.ID,
		ProducerID:    result.ProducerID,
		Kind:          result.Kind,
		RtpParameters: result.RtpParameters,
		RequestID:     env.RequestID,
	})
	return nil
}

func (h *Hub) handleListProducers(c *Client, env Envelope) error {
	if env.Room == "" {
		return errRoomRequired
	}
	room := h.rooms.Get(types.RoomName(env.Room))
	if room == nil {
		return errors.New("room not found")
	}
	c.sendJSON(producersMsg{Type: "sfu.producers", Room: room.Name, Producers: room.ProducersPayload(), RequestID: env.RequestID})
	return nil
}

func (h *Hub) handleCloseProducer(c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.ProducerID == "" {
		return errors.New("producerId is required")
	}
	if _, ok := h.adapter.ProducerRoom(env.ProducerID); !ok {
		return errProducerNotFound
	}
	if !state.OwnsProducer(env.ProducerID) && !state.User.IsAdmin() {
		return errors.New("not your producer")
	}

	// registry cleanup and the sfu.producerClosed fan-out ride the adapter's
	// producer-closed event
	h.adapter.CloseProducer(env.ProducerID)
	c.sendJSON(producerClosedReply{Type: "sfu.producerClosed", ProducerID: env.ProducerID, RequestID: env.RequestID})
	return nil
}

// canRecord allows admins and moderators of the producer's room.
func (h *Hub) canRecord(state *registry.ClientState, roomName types.RoomName) bool {
	if state.User.IsAdmin() {
		return true
	}
	room := h.rooms.Get(roomName)
	return room != nil && room.IsModerator(state.ID)
}

func (h *Hub) handleStartRecording(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.ProducerID == "" {
		return errors.New("producerId is required")
	}
	if h.recorder == nil {
		return errors.New("recorder not configured")
	}

	roomName, ok := h.adapter.ProducerRoom(env.ProducerID)
	if !ok {
		return errProducerNotFound
	}
	if !h.canRecord(state, roomName) {
		return errors.New("recording requires moderator or admin")
	}

	kind := types.MediaKindVideo
	if room := h.rooms.Get(roomName); room != nil {
		for _, entry := range room.ProducersPayload() {
			if entry.ProducerID == env.ProducerID {
				kind = entry.Kind
				break
			}
		}
	}

	outputFile, err := h.recorder.Start(ctx, env.ProducerID, kind)
	if err != nil {
		logging.Error(ctx, "recorder start failed",
			zap.String("producer_id", env.ProducerID),
			zap.Error(err))
		return errors.New("recorder start failed")
	}

	c.sendJSON(recordingStartedMsg{Type: "recordingStarted", ProducerID: env.ProducerID, OutputFile: outputFile, RequestID: env.RequestID})
	return nil
}

func (h *Hub) handleStopRecording(ctx context.Context, c *Client, state *registry.ClientState, env Envelope) error {
	if h.adapter == nil {
		return errSFUNotEnabled
	}
	if env.ProducerID == "" {
		return errors.New("producerId is required")
	}
	if h.recorder == nil {
		return errors.New("recorder not configured")
	}

	roomName, ok := h.adapter.ProducerRoom(env.ProducerID)
	if !ok {
		return errProducerNotFound
	}
	if !h.canRecord(state, roomName) {
		return errors.New("recording requires moderator or admin")
	}

	if err := h.recorder.Stop(ctx, env.ProducerID); err != nil {
		logging.Error(ctx, "recorder stop failed",
			zap.String("producer_id", env.ProducerID),
			zap.Error(err))
		return errors.New("recorder stop failed")
	}

	c.sendJSON(recordingStoppedMsg{Type: "recordingStopped", ProducerID: env.ProducerID, RequestID: env.RequestID})
	return nil
}
