package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/event"
)

// Conn 一个参与者的 WebSocket 连接。
// 读循环处理上行消息；写循环独占 websocket 的写端，所有下行消息都经 send 队列。
type Conn struct {
	ws     *websocket.Conn
	m      *Manager
	handle *collab.Handle
	roomID string

	send chan ServerMessage
	// done 关闭后不再入队，写循环发送完剩余消息后退出
	done       chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	logger *slog.Logger
}

func newConn(ws *websocket.Conn, m *Manager, h *collab.Handle) *Conn {
	roomID := h.Session().ID()
	return &Conn{
		ws:         ws,
		m:          m,
		handle:     h,
		roomID:     roomID,
		send:       make(chan ServerMessage, m.opt.SendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		logger:     m.logger.With("room", roomID, "participant", h.ParticipantID()),
	}
}

func (c *Conn) ParticipantID() string { return c.handle.ParticipantID() }
func (c *Conn) RoomID() string        { return c.roomID }

// SendMessage_Enqueue 非阻塞入队。队列满说明客户端跟不上，直接断开让它重连，
// 丢一条变更会让它的文档和房间永久分叉。
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send queue full, closing connection", "type", msg.Type)
		c.Close()
		return false
	}
}

// Close 可重复调用
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// subscribe 经由句柄订阅，owner 是本参与者，自己的变更和光标不会回送
func (c *Conn) subscribe() error {
	if _, err := c.handle.SubscribeChanges(func(_ context.Context, ch event.ChangeEvent) error {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeChange, RoomID: ch.RoomID, Change: &ch})
		return nil
	}); err != nil {
		return err
	}
	_, err := c.handle.SubscribeEvents(func(_ context.Context, e event.PresenceEvent) error {
		c.SendMessage_Enqueue(ServerMessage{Type: TypePresence, RoomID: e.RoomID, Presence: &e})
		return nil
	})
	return err
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.Close()
	c.ws.SetReadLimit(c.m.opt.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.m.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("read error", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opt.PongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("BAD_MESSAGE", err)
			continue
		}
		if !c.dispatch(ctx, msg) {
			return
		}
	}
}

// dispatch 返回 false 表示客户端要求离开，读循环结束
func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) bool {
	switch msg.Type {
	case TypeChange:
		c.handleChange(ctx, msg)

	case TypeCursor:
		if err := c.handle.SubmitCursor(ctx, msg.Line, msg.Column); err != nil && !isDeliveryError(err) {
			c.sendError("", err)
		}

	case TypeRename:
		name := strings.TrimSpace(msg.Name)
		if _, err := c.m.rooms.Rename(ctx, c.roomID, c.ParticipantID(), name); err != nil {
			c.sendError("", err)
			return true
		}
		// 改名不产生事件，主动把新的成员列表推给本房间的所有连接
		c.m.hub.BroadcastMembers(c.roomID, membersFromRoster(c.handle.Session().ActiveParticipants()))

	case TypeHeartbeat:
		if err := c.m.rooms.Heartbeat(ctx, c.roomID, c.ParticipantID()); err != nil {
			c.sendError("", err)
			return true
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})

	case TypeShowAliveMembers:
		c.SendMessage_Enqueue(ServerMessage{Type: TypeMembers, RoomID: c.roomID, Members: c.m.members(ctx, c.handle.Session())})

	case TypeSaveDocument:
		rev, err := c.m.rooms.SaveSnapshot(ctx, c.roomID)
		if err != nil {
			c.logger.Error("save snapshot failed", "err", err)
			c.sendError("SAVE_FAILED", err)
			return true
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, RoomID: c.roomID, Revision: rev, Content: "Document " + c.roomID + " saved"})

	case TypeLoadDocument:
		content, rev := c.handle.Session().Document()
		c.SendMessage_Enqueue(ServerMessage{Type: TypeDocument, RoomID: c.roomID, Revision: rev, Content: content})

	case TypeLeave:
		if err := c.m.rooms.Disconnect(ctx, c.ParticipantID()); err != nil && !isDeliveryError(err) {
			c.logger.Warn("leave failed", "err", err)
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, RoomID: c.roomID, Content: "left"})
		return false

	default:
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Code: "UNKNOWN_MESSAGE", Content: msg.Type})
	}
	return true
}

func (c *Conn) handleChange(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, c.m.opt.SubmitTimeout)
	defer cancel()

	if err := c.m.sem.Acquire(submitCtx); err != nil {
		c.sendError("BUSY", err)
		return
	}
	defer c.m.sem.Release()

	applied, err := c.handle.SubmitChange(submitCtx, event.ChangeEvent{
		Start:        msg.Start,
		End:          msg.End,
		InsertedText: msg.Text,
	})
	if err != nil {
		if !isDeliveryError(err) {
			c.sendError("", err)
			return
		}
		// 变更已提交，只是有观察者失败
		c.logger.Warn("change delivered with failures", "err", err)
	}
	_, rev := c.handle.Session().Document()
	c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, RoomID: c.roomID, Revision: rev, Change: &applied})
}

func (c *Conn) sendError(code string, err error) {
	if code == "" {
		code = errorCode(err)
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Code: code, Content: err.Error()})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.m.opt.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()
	roomDone := c.handle.Session().Done()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write failed", "err", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opt.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-roomDone:
			// 房间被销毁：先把队列里的发完，再告诉客户端原因
			c.drain()
			_ = c.write(ServerMessage{Type: TypeError, RoomID: c.roomID, Code: errorCode(collab.ErrRoomUnavailable), Content: "room closed"})
			c.writeClose(websocket.CloseGoingAway, "room closed")
			c.Close()
			return

		case <-c.done:
			c.drain()
			c.writeClose(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (c *Conn) write(msg ServerMessage) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opt.WriteWait))
	return c.ws.WriteJSON(msg)
}

func (c *Conn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeClose(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.m.opt.WriteWait))
}

var knownErrors = []error{
	collab.ErrRoomUnavailable,
	collab.ErrUnknownParticipant,
	collab.ErrInvalidRange,
	collab.ErrInvalidParticipant,
}

// errorCode 已知错误直接用错误文本作为错误码
func errorCode(err error) string {
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "INTERNAL"
}

func isDeliveryError(err error) bool {
	var de *channel.DeliveryError
	return errors.As(err, &de)
}
