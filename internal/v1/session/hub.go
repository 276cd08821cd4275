// Package session owns the per-connection signaling state machine: the
// WebSocket upgrade and auth gate, the client read/write pumps, and the
// dispatch of every protocol message to its handler. Handlers validate in
// order (feature availability, fields, client, role, room preconditions) and
// reply with {type:"error",message} on any failure.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/auth"
	"github.com/meetmesh/signaling/internal/v1/bridge"
	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Recorder is the recording-worker boundary. Nil when no recorder is
// configured.
type Recorder interface {
	Start(ctx context.Context, producerID string, kind types.MediaKind) (outputFile string, err error)
	Stop(ctx context.Context, producerID string) error
}

// Hub coordinates every signaling session: it upgrades connections,
// authenticates them, registers clients, and routes their messages. The
// adapter is nil in signaling-only mode (ENABLE_SFU=false); sfu.* messages
// then fail with "sfu not enabled".
type Hub struct {
	cfg       *config.Config
	validator types.TokenValidator
	clients   *registry.ClientRegistry
	rooms     *registry.RoomRegistry
	adapter   *engine.Adapter
	bridge    *bridge.Bridge
	recorder  Recorder
}

func NewHub(cfg *config.Config, validator types.TokenValidator, clients *registry.ClientRegistry, rooms *registry.RoomRegistry, adapter *engine.Adapter, br *bridge.Bridge, recorder Recorder) *Hub {
	return &Hub{
		cfg:       cfg,
		validator: validator,
		clients:   clients,
		rooms:     rooms,
		adapter:   adapter,
		bridge:    br,
		recorder:  recorder,
	}
}

// ServeWs upgrades the HTTP request and runs the auth gate. With ENABLE_AUTH
// a missing or invalid token yields error{"unauthorized"} on the channel
// followed by close; without it the token is still parsed when present so a
// principal can be attached.
func (h *Hub) ServeWs(c *gin.Context) {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	tokenString := c.Query("token")
	var user *types.User
	if h.validator != nil && tokenString != "" {
		user, err = h.validator.ValidateToken(tokenString)
		if err != nil {
			logging.Warn(c.Request.Context(), "token validation failed", zap.Error(err))
			user = nil
		}
	}

	if h.cfg.EnableAuth && user == nil {
		raw, _ := json.Marshal(errorMsg{Type: "error", Message: "unauthorized"})
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, raw)
		conn.WriteMessage(websocket.CloseMessage, []byte{})
		conn.Close()
		return
	}

	id := types.ClientID(uuid.NewString())
	client := newClient(id, h, conn)
	h.clients.Add(id, client, user)

	ctx := logging.WithClientID(c.Request.Context(), string(id))
	logging.Info(ctx, "client connected",
		zap.Bool("authenticated", user != nil))

	go client.writePump()
	client.sendJSON(idMsg{Type: "id", ID: id})
	go client.readPump()
}

// handleDisconnect runs the single cleanup path when a client's channel dies.
func (h *Hub) handleDisconnect(c *Client) {
	ctx := logging.WithClientID(context.Background(), string(c.id))
	if h.clients.Get(c.id) == nil {
		return // never registered (failed auth)
	}
	h.bridge.Disconnect(ctx, c.id)
}
