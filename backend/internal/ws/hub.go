package ws

import "sync"

// Hub 本进程内按房间登记的连接。
// 变更和在场事件走 Session 的订阅，Hub 只负责没有事件的广播（改名后的成员列表）和停机时断开连接。
type Hub struct {
	mu sync.RWMutex
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接从房间移除，房间空了就删掉
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Count 房间内的连接数
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) conns(roomID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) BroadcastMembers(roomID string, members []Member) {
	msg := ServerMessage{Type: TypeMembers, RoomID: roomID, Members: members}
	for _, c := range h.conns(roomID) {
		c.SendMessage_Enqueue(msg)
	}
}

// CloseAll 断开所有连接，停机时使用
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Conn
	for _, conns := range h.rooms {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}
