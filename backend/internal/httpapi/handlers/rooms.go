package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"notesCollab/backend/internal/cache"
	"notesCollab/backend/internal/collab"
)

type RoomHandler struct {
	store *collab.Store
	// 可为空
	presence cache.PresenceCache
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewRoomHandler(store *collab.Store, presence cache.PresenceCache, clock clockwork.Clock, logger *slog.Logger) *RoomHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{store: store, presence: presence, clock: clock, logger: logger}
}

// Register 挂载 /health、/healthz、/rooms/:roomId/stats
func (h *RoomHandler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/healthz", h.Healthz)
	r.GET("/rooms/:roomId/stats", h.RoomStats)
}

func (h *RoomHandler) Health(c *gin.Context) {
	st := h.store.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"rooms":       st.Rooms,
		"connections": st.Connections,
		"timestamp":   h.clock.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *RoomHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

type roomStatsResponse struct {
	collab.RoomStats
	ClusterMembers []cache.PresenceMember `json:"clusterMembers,omitempty"`
}

func (h *RoomHandler) RoomStats(c *gin.Context) {
	roomID := c.Param("roomId")
	st, err := h.store.Stats(roomID)
	if errors.Is(err, collab.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	resp := roomStatsResponse{RoomStats: st}
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		members, err := h.presence.GetAliveMembers(ctx, roomID)
		if err != nil {
			h.logger.Warn("load cluster members failed", "room", roomID, "err", err)
		}
		resp.ClusterMembers = members
	}
	c.JSON(http.StatusOK, resp)
}
