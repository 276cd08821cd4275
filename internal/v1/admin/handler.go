// Package admin serves the operator HTTP surface: room inspection and
// process metrics, gated on an admin principal.
package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Handler exposes the admin endpoints. The adapter is nil in signaling-only
// mode; engine metrics are then omitted from the payload.
type Handler struct {
	validator types.TokenValidator
	clients   *registry.ClientRegistry
	rooms     *registry.RoomRegistry
	adapter   *engine.Adapter
}

func NewHandler(validator types.TokenValidator, clients *registry.ClientRegistry, rooms *registry.RoomRegistry, adapter *engine.Adapter) *Handler {
	return &Handler{
		validator: validator,
		clients:   clients,
		rooms:     rooms,
		adapter:   adapter,
	}
}

// Register mounts the admin routes on the router group.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/admin/rooms", h.requireAdmin, h.Rooms)
	r.GET("/admin/room/:name", h.requireAdmin, h.RoomInfo)
	r.GET("/admin/metrics", h.requireAdmin, h.Metrics)
}

// requireAdmin accepts the token from the Authorization bearer header or the
// token query parameter and rejects anything but an admin principal.
func (h *Handler) requireAdmin(c *gin.Context) {
	token := c.Query("token")
	if auth := c.GetHeader("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = rest
		}
	}
	if h.validator == nil || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "admin token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !user.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
		return
	}
	c.Next()
}

// Rooms handles GET /admin/rooms.
func (h *Handler) Rooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Overview()})
}

// RoomInfo handles GET /admin/room/:name.
func (h *Handler) RoomInfo(c *gin.Context) {
	room := h.rooms.Get(types.RoomName(c.Param("name")))
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

// Metrics handles GET /admin/metrics.
func (h *Handler) Metrics(c *gin.Context) {
	payload := gin.H{
		"connections": h.clients.Count(),
		"rooms":       h.rooms.Count(),
	}
	if h.adapter != nil {
		payload["engine"] = h.adapter.Metrics()
		payload["engineRooms"] = h.adapter.RoomsOverview()
	}
	c.JSON(http.StatusOK, payload)
}
