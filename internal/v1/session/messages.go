package session

import (
	"encoding/json"

	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Envelope is the superset of fields a client frame can carry. Every message
// is a single JSON object with a required type; requestId, when present, is
// echoed verbatim in the direct reply.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Room string `json:"room,omitempty"`
	Role string `json:"role,omitempty"`
	To   string `json:"to,omitempty"`

	Candidate json.RawMessage `json:"candidate,omitempty"`

	TransportID     string          `json:"transportId,omitempty"`
	Direction       string          `json:"direction,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	DtlsParameters  json.RawMessage `json:"dtlsParameters,omitempty"`
	RtpParameters   json.RawMessage `json:"rtpParameters,omitempty"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
	ProducerID      string          `json:"producerId,omitempty"`
}

type errorMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type idMsg struct {
	Type string         `json:"type"`
	ID   types.ClientID `json:"id"`
}

type joinedMsg struct {
	Type      string         `json:"type"`
	Room      types.RoomName `json:"room"`
	ID        types.ClientID `json:"id"`
	Role      types.Role     `json:"role"`
	RequestID string         `json:"requestId,omitempty"`
}

type memberJoinedMsg struct {
	Type string         `json:"type"`
	Room types.RoomName `json:"room"`
	ID   types.ClientID `json:"id"`
	Role types.Role     `json:"role"`
}

type leftMsg struct {
	Type      string         `json:"type"`
	Room      types.RoomName `json:"room"`
	ID        types.ClientID `json:"id"`
	RequestID string         `json:"requestId,omitempty"`
}

type listMsg struct {
	Type      string           `json:"type"`
	Clients   []types.ClientID `json:"clients"`
	RequestID string           `json:"requestId,omitempty"`
}

type roomsMsg struct {
	Type      string                 `json:"type"`
	Rooms     []registry.RoomSummary `json:"rooms"`
	RequestID string                 `json:"requestId,omitempty"`
}

type iceMsg struct {
	Type      string          `json:"type"`
	From      types.ClientID  `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type transportCreatedMsg struct {
	Type                  string             `json:"type"`
	TransportID           string             `json:"transportId"`
	ICEParameters         json.RawMessage    `json:"iceParameters"`
	ICECandidates         json.RawMessage    `json:"iceCandidates"`
	DTLSParameters        json.RawMessage    `json:"dtlsParameters"`
	ICEServers            []config.ICEServer `json:"iceServers"`
	RouterRtpCapabilities json.RawMessage    `json:"routerRtpCapabilities"`
	Direction             types.Direction    `json:"direction"`
	RequestID             string             `json:"requestId,omitempty"`
}

type transportConnectedMsg struct {
	Type        string `json:"type"`
	TransportID string `json:"transportId"`
	RequestID   string `json:"requestId,omitempty"`
}

type producedMsg struct {
	Type       string          `json:"type"`
	ProducerID string          `json:"producerId"`
	Kind       types.MediaKind `json:"kind"`
	RequestID  string          `json:"requestId,omitempty"`
}

type newProducerMsg struct {
	Type         string          `json:"type"`
	Room         types.RoomName  `json:"room"`
	ProducerID   string          `json:"producerId"`
	ClientID     types.ClientID  `json:"clientId"`
	ProducerUser *types.User     `json:"producerUser,omitempty"`
	Kind         types.MediaKind `json:"kind"`
}

type consumedMsg struct {
	Type          string          `json:"type"`
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          types.MediaKind `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	RequestID     string          `json:"requestId,omitempty"`
}

type producersMsg struct {
	Type      string                   `json:"type"`
	Room      types.RoomName           `json:"room"`
	Producers []registry.ProducerEntry `json:"producers"`
	RequestID string                   `json:"requestId,omitempty"`
}

type producerClosedReply struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	RequestID  string `json:"requestId,omitempty"`
}

type adminRoomsMsg struct {
	Type      string                 `json:"type"`
	Rooms     []registry.RoomSummary `json:"rooms"`
	RequestID string                 `json:"requestId,omitempty"`
}

type adminRoomInfoMsg struct {
	Type      string            `json:"type"`
	Room      registry.RoomInfo `json:"room"`
	RequestID string            `json:"requestId,omitempty"`
}

type adminMetricsMsg struct {
	Type      string         `json:"type"`
	Metrics   map[string]any `json:"metrics"`
	RequestID string         `json:"requestId,omitempty"`
}

type recordingStartedMsg struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	OutputFile string `json:"outputFile,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

type recordingStoppedMsg struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
	RequestID  string `json:"requestId,omitempty"`
}
