package event

import (
	"time"

	"github.com/google/uuid"
)

// PresenceKind 区分成员/光标/生命周期通知
type PresenceKind string

const (
	KindJoin       PresenceKind = "JOIN"
	KindLeave      PresenceKind = "LEAVE"
	KindCursorMove PresenceKind = "CURSOR_MOVE"
)

func (k PresenceKind) Valid() bool {
	switch k {
	case KindJoin, KindLeave, KindCursorMove:
		return true
	}
	return false
}

// ChangeEvent 文档编辑：用 InsertedText 替换 [Start, End) 区间
// ParticipantID 由 Session 盖章，提交方传入的值一律覆盖
type ChangeEvent struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	ParticipantID string    `json:"participantId"`
	Start         int       `json:"start"`
	End           int       `json:"end"`
	InsertedText  string    `json:"insertedText"`
	RemovedText   string    `json:"removedText"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// JoinPayload JOIN 专属负载
type JoinPayload struct {
	RoomID   string    `json:"roomId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// CursorPayload CURSOR_MOVE 专属负载
type CursorPayload struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// PresenceEvent 成员加入/离开/光标移动。LEAVE 没有负载。
type PresenceEvent struct {
	ID            string         `json:"id"`
	Kind          PresenceKind   `json:"kind"`
	RoomID        string         `json:"roomId"`
	ParticipantID string         `json:"participantId"`
	Name          string         `json:"name,omitempty"`
	Color         string         `json:"color,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Join          *JoinPayload   `json:"join,omitempty"`
	Cursor        *CursorPayload `json:"cursor,omitempty"`
}

// NewID 生成事件 ID
func NewID() string {
	return uuid.NewString()
}
