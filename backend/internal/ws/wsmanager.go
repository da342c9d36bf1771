package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/httpapi/middleware"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/presence"
)

// PresenceReader 跨进程的在线成员视图（Redis 镜像）
type PresenceReader interface {
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]cache.PresenceMember, error)
}

type Options struct {
	// 为 nil 时 show_alive_members 只返回本进程的名册
	Presence PresenceReader
	// 限制同时处理中的变更提交
	Semaphore *collab.SemaphoreControl

	SendQueueSize  int
	MaxMessageSize int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SubmitTimeout  time.Duration
	// 允许的 Origin（scheme://host[:port]，不写端口时任意端口）；包含 "*" 时放行所有来源。为空时只允许本机
	AllowedOrigins []string
	Logger         *slog.Logger
}

var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

func (o *Options) withDefaults() {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 200 * time.Millisecond
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = defaultOrigins
	}
}

// Manager 负责升级连接并把连接接到 collab.Manager 上
type Manager struct {
	hub      *Hub
	rooms    *collab.Manager
	sem      *collab.SemaphoreControl
	opt      Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewManager(h *Hub, rooms *collab.Manager, opt Options) *Manager {
	opt.withDefaults()
	m := &Manager{
		hub:    h,
		rooms:  rooms,
		sem:    opt.Semaphore,
		opt:    opt,
		logger: logging.OrDefault(opt.Logger),
	}
	if m.sem == nil {
		m.sem = collab.NewSemaphoreControl(0)
	}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// 一些环境不发送 Origin，或为 "null"
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || originAllowed(u, p) {
			return true
		}
	}
	return false
}

// originAllowed scheme 和主机名精确匹配；allowed 带端口时端口也要一致
func originAllowed(origin *url.URL, allowed string) bool {
	a, err := url.Parse(allowed)
	if err != nil || a.Host == "" {
		return false
	}
	if !strings.EqualFold(origin.Scheme, a.Scheme) || !strings.EqualFold(origin.Hostname(), a.Hostname()) {
		return false
	}
	return a.Port() == "" || a.Port() == origin.Port()
}

// WebSocketConnect GET /collab/ws?roomId=ABCDEF
// 身份来自鉴权中间件写入的 username（没有时取 ?name=），每个连接是一个独立的参与者。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	roomID := strings.TrimSpace(c.Query("roomId"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ROOM", "message": "missing roomId"})
		return
	}
	name := c.GetString(middleware.ContextUsername)
	if name == "" {
		name = strings.TrimSpace(c.Query("name"))
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	ctx := c.Request.Context()
	p := presence.NewParticipant(name)
	h, err := m.rooms.Join(ctx, roomID, p)
	if h == nil {
		m.logger.Warn("join failed", "room", roomID, "err", err)
		_ = wsConn.WriteJSON(ServerMessage{Type: TypeError, RoomID: roomID, Code: errorCode(err), Content: err.Error()})
		_ = wsConn.Close()
		return
	}
	if err != nil {
		m.logger.Warn("join delivered with failures", "room", roomID, "err", err)
	}

	conn := newConn(wsConn, m, h)
	m.hub.Join(roomID, conn)
	defer m.disconnect(conn)

	// 先启动写循环，欢迎消息排在所有远端事件之前
	go conn.writeLoop()
	content, rev := h.Session().Document()
	join := h.JoinEvent()
	conn.SendMessage_Enqueue(ServerMessage{
		Type:          TypeWelcome,
		RoomID:        roomID,
		ParticipantID: p.ID,
		Revision:      rev,
		Content:       content,
		Presence:      &join,
		Members:       membersFromRoster(h.Session().ActiveParticipants()),
	})
	if err := conn.subscribe(); err != nil {
		conn.sendError("", err)
		conn.Close()
	}

	// 阻塞至连接关闭
	conn.readLoop(ctx)
	<-conn.writerDone
}

func (m *Manager) disconnect(c *Conn) {
	c.handle.Release()
	m.hub.Leave(c.roomID, c)
	ctx, cancel := context.WithTimeout(context.Background(), m.opt.WriteWait)
	defer cancel()
	if err := m.rooms.Disconnect(ctx, c.ParticipantID()); err != nil && !isDeliveryError(err) {
		c.logger.Warn("disconnect failed", "err", err)
	}
	c.logger.Info("connection closed")
}

// members 优先读 Redis 镜像（包含其他进程的成员），失败或未配置时用本地名册
func (m *Manager) members(ctx context.Context, s *collab.Session) []Member {
	if m.opt.Presence != nil {
		ms, err := m.opt.Presence.GetAliveMembersWithNames(ctx, s.ID())
		if err == nil {
			return membersFromMirror(ms)
		}
		m.logger.Warn("get alive members failed", "room", s.ID(), "err", err)
	}
	return membersFromRoster(s.ActiveParticipants())
}

// Hub 供停机时断开所有连接
func (m *Manager) Hub() *Hub { return m.hub }
