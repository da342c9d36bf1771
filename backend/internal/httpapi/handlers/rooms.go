package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/store"
)

// AliveMembers 跨进程在线成员（Redis 镜像）
type AliveMembers interface {
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]cache.PresenceMember, error)
	GetRooms(ctx context.Context) ([]string, error)
}

// SnapshotHistory 快照历史（MySQL）
type SnapshotHistory interface {
	ListSnapshots(ctx context.Context, roomID string, limit int) ([]store.DocumentSnapshot, error)
}

type Rooms struct {
	rooms     *collab.Manager
	presence  AliveMembers
	snapshots SnapshotHistory
	logger    *slog.Logger
}

// NewRooms presence 或 snapshots 为 nil 时对应接口返回 503
func NewRooms(rooms *collab.Manager, presence AliveMembers, snapshots SnapshotHistory, logger *slog.Logger) *Rooms {
	return &Rooms{rooms: rooms, presence: presence, snapshots: snapshots, logger: logging.OrDefault(logger)}
}

type snapshotInfo struct {
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
}

// Register 挂载 /rooms 下的路由
func (h *Rooms) Register(g gin.IRouter) {
	g.POST("/rooms", h.CreateRoom)
	g.GET("/rooms", h.ListRooms)
	g.GET("/presence/rooms", h.PresenceRooms)
	g.GET("/rooms/:roomID/participants", h.Participants)
	g.GET("/rooms/:roomID/presence", h.Presence)
	g.GET("/rooms/:roomID/document", h.Document)
	g.POST("/rooms/:roomID/snapshot", h.SaveSnapshot)
	g.GET("/rooms/:roomID/snapshots", h.ListSnapshots)
	g.DELETE("/rooms/:roomID", h.Teardown)
}

func (h *Rooms) CreateRoom(c *gin.Context) {
	s, err := h.rooms.CreateRoom(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"roomId": s.ID()})
}

func (h *Rooms) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.Rooms()})
}

func (h *Rooms) Participants(c *gin.Context) {
	roomID := c.Param("roomID")
	s, ok := h.rooms.Room(roomID)
	if !ok {
		h.fail(c, collab.ErrRoomUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "participants": s.ActiveParticipants()})
}

func (h *Rooms) Presence(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "PRESENCE_DISABLED", "message": "presence mirror not configured"})
		return
	}
	roomID := c.Param("roomID")
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": members})
}

// PresenceRooms 所有进程里有在线成员的房间
func (h *Rooms) PresenceRooms(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "PRESENCE_DISABLED", "message": "presence mirror not configured"})
		return
	}
	ids, err := h.presence.GetRooms(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": ids})
}

func (h *Rooms) Document(c *gin.Context) {
	roomID := c.Param("roomID")
	s, ok := h.rooms.Room(roomID)
	if !ok {
		h.fail(c, collab.ErrRoomUnavailable)
		return
	}
	content, rev := s.Document()
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "content": content, "revision": rev})
}

func (h *Rooms) SaveSnapshot(c *gin.Context) {
	roomID := c.Param("roomID")
	rev, err := h.rooms.SaveSnapshot(c.Request.Context(), roomID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "revision": rev})
}

// ListSnapshots ?limit= 默认 20
func (h *Rooms) ListSnapshots(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "SNAPSHOTS_DISABLED", "message": "snapshot store not configured"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "message": "limit must be a positive integer"})
		return
	}
	roomID := c.Param("roomID")
	list, err := h.snapshots.ListSnapshots(c.Request.Context(), roomID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]snapshotInfo, 0, len(list))
	for _, s := range list {
		out = append(out, snapshotInfo{Revision: s.Revision, CreatedAt: s.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "snapshots": out})
}

func (h *Rooms) Teardown(c *gin.Context) {
	if err := h.rooms.Teardown(c.Request.Context(), c.Param("roomID")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Healthz GET /collab/healthz
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (h *Rooms) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, collab.ErrRoomUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"code": err.Error(), "message": "room not found or closed"})
	case errors.Is(err, collab.ErrUnknownParticipant), errors.Is(err, collab.ErrInvalidParticipant), errors.Is(err, collab.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"code": err.Error(), "message": err.Error()})
	default:
		h.logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
	}
}
