package collab

import "errors"

var (
	// 房间已销毁（teardown）或从未创建
	ErrRoomUnavailable = errors.New("ROOM_UNAVAILABLE")
	// 操作引用了当前不在房间里的参与者
	ErrUnknownParticipant = errors.New("UNKNOWN_PARTICIPANT")
	ErrInvalidRange       = errors.New("INVALID_RANGE")
	ErrInvalidParticipant = errors.New("INVALID_PARTICIPANT")
)
