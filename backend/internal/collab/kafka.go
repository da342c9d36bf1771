package collab

import (
	"time"

	"roomsync/backend/internal/delta"
	"roomsync/backend/internal/event"
)

const EventTypeChangeApplied = "CHANGE_APPLIED"

// ChangeAuditEvent 写入 Kafka 的审计记录，以 roomId 作 key 保证同房间有序分区
type ChangeAuditEvent struct {
	EventType     string      `json:"eventType"` // 固定 "CHANGE_APPLIED"
	RoomID        string      `json:"roomId"`
	ChangeID      string      `json:"changeId"`
	ParticipantID string      `json:"participantId"`
	Start         int         `json:"start"`
	End           int         `json:"end"`
	InsertedText  string      `json:"insertedText"`
	RemovedText   string      `json:"removedText"`
	Ops           delta.Delta `json:"ops"`
	SubmittedAt   time.Time   `json:"submittedAt"`
}

func NewChangeAuditEvent(c event.ChangeEvent) ChangeAuditEvent {
	ops, _ := delta.Replace(c.Start, c.End, c.InsertedText)
	return ChangeAuditEvent{
		EventType:     EventTypeChangeApplied,
		RoomID:        c.RoomID,
		ChangeID:      c.ID,
		ParticipantID: c.ParticipantID,
		Start:         c.Start,
		End:           c.End,
		InsertedText:  c.InsertedText,
		RemovedText:   c.RemovedText,
		Ops:           ops,
		SubmittedAt:   c.SubmittedAt,
	}
}
