// Package types holds the core domain types shared by the signaling
// control plane: identifiers, roles, and the small cross-package
// interfaces that keep the registry, engine, and session packages
// decoupled from each other.
package types

import (
	"errors"
	"time"
)

// --- Core Domain Types ---

// ClientID is the opaque per-connection identifier generated at connect time.
type ClientID string

// RoomName identifies a room. Rooms are free-form named and created lazily.
type RoomName string

// Role is a client's role within a room.
type Role string

const (
	RolePublisher Role = "publisher" // may join, produce, consume
	RoleObserver  Role = "observer"  // may join and consume, never produce
	RoleModerator Role = "moderator" // elevated member, admin principals only
)

// ParseRole maps the wire value to a Role, defaulting to publisher.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", string(RolePublisher):
		return RolePublisher, nil
	case string(RoleObserver):
		return RoleObserver, nil
	case string(RoleModerator):
		return RoleModerator, nil
	}
	return "", errors.New("invalid role: " + s)
}

// CanProduce reports whether the role is allowed to create producers.
func (r Role) CanProduce() bool {
	return r != RoleObserver
}

// UserRole is the role carried by an authenticated principal.
type UserRole string

const (
	UserRoleUser  UserRole = "user"
	UserRoleAdmin UserRole = "admin"
)

// User is the authenticated principal attached to a session, or nil when
// authentication is disabled and the client connected anonymously.
type User struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Role UserRole `json:"role"`
}

// IsAdmin reports whether the user is an admin principal.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == UserRoleAdmin
}

// Direction of a WebRTC transport relative to the client.
type Direction string

const (
	DirectionSend Direction = "send" // client -> server
	DirectionRecv Direction = "recv" // server -> client
)

// ParseDirection maps the wire value to a Direction, defaulting to send.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", string(DirectionSend):
		return DirectionSend, nil
	case string(DirectionRecv):
		return DirectionRecv, nil
	}
	return "", errors.New("invalid direction: " + s)
}

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ParseMediaKind validates the wire value of a media kind.
func ParseMediaKind(s string) (MediaKind, error) {
	switch s {
	case string(MediaKindAudio):
		return MediaKindAudio, nil
	case string(MediaKindVideo):
		return MediaKindVideo, nil
	}
	return "", errors.New("invalid kind: " + s)
}

// TransportBinding is the control-plane metadata a client keeps per
// transport it owns.
type TransportBinding struct {
	Room      RoomName  `json:"room"`
	Direction Direction `json:"direction"`
}

// ProducerInfo is the room-side record of a registered producer.
type ProducerInfo struct {
	ClientID  ClientID  `json:"clientId"`
	Kind      MediaKind `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomOptions are captured from configuration when a room is created and
// never change afterwards.
type RoomOptions struct {
	MaxVideoProducers int  `json:"maxVideoProducers"` // 0 = unlimited
	AllowObservers    bool `json:"allowObservers"`
	MaxObservers      int  `json:"maxObservers"` // 0 = unlimited
}

// --- Shared Interfaces ---

// TokenValidator is the auth-provider boundary: it validates the channel-open
// token and yields the authenticated principal.
type TokenValidator interface {
	ValidateToken(tokenString string) (*User, error)
}

// Channel is the outbound message sink of one connected client. Send returns
// false when the channel is no longer open; writes never block.
type Channel interface {
	Send(data []byte) bool
	IsOpen() bool
	Close()
}
