package ws

import (
	"time"

	"roomsync/backend/internal/cache"
	"roomsync/backend/internal/event"
	"roomsync/backend/internal/presence"
)

// 客户端消息类型
const (
	TypeChange           = "change"
	TypeCursor           = "cursor"
	TypeRename           = "rename"
	TypeHeartbeat        = "heartbeat"
	TypeShowAliveMembers = "show_alive_members"
	TypeSaveDocument     = "saveDocument"
	TypeLoadDocument     = "loadDocumentContent"
	TypeLeave            = "leave"
)

// 服务端消息类型
const (
	TypeWelcome  = "welcome"
	TypePresence = "presence"
	TypeMembers  = "members"
	TypeDocument = "document"
	TypeError    = "error"
	TypeFeedback = "feedback"
)

// ClientMessage 客户端上行消息，按 Type 取用对应字段
type ClientMessage struct {
	Type string `json:"type"`
	// change：用 Text 替换 [Start, End)
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text,omitempty"`
	// cursor
	Line   int `json:"line"`
	Column int `json:"column"`
	// rename
	Name string `json:"name,omitempty"`
}

// Member 下发给客户端的成员信息，本地名册和 Redis 镜像都转换成它
type Member struct {
	ParticipantID string     `json:"participantId"`
	Name          string     `json:"name,omitempty"`
	Color         string     `json:"color,omitempty"`
	Online        bool       `json:"online"`
	LastActivity  *time.Time `json:"lastActivity,omitempty"`
	ExpireAt      *time.Time `json:"expireAt,omitempty"`
}

type ServerMessage struct {
	Type          string               `json:"type"`
	RoomID        string               `json:"roomId,omitempty"`
	ParticipantID string               `json:"participantId,omitempty"`
	Revision      uint64               `json:"revision,omitempty"`
	Members       []Member             `json:"members,omitempty"`
	Change        *event.ChangeEvent   `json:"change,omitempty"`
	Presence      *event.PresenceEvent `json:"presence,omitempty"`
	Code          string               `json:"code,omitempty"`
	Content       string               `json:"content,omitempty"`
}

func membersFromRoster(ps []presence.Participant) []Member {
	out := make([]Member, 0, len(ps))
	for _, p := range ps {
		last := p.LastActivity
		out = append(out, Member{
			ParticipantID: p.ID,
			Name:          p.Name,
			Color:         p.Color,
			Online:        p.Online,
			LastActivity:  &last,
		})
	}
	return out
}

func membersFromMirror(ms []cache.PresenceMember) []Member {
	out := make([]Member, 0, len(ms))
	for _, m := range ms {
		exp := m.ExpireAt
		out = append(out, Member{
			ParticipantID: m.ParticipantID,
			Name:          m.Name,
			Color:         m.Color,
			Online:        true,
			ExpireAt:      &exp,
		})
	}
	return out
}
