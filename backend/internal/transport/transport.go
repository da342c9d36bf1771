// Package transport 在同一房间的会话之间搬运事件信封。
// Local 为进程内同步投递；Redis 通过 Pub/Sub 跨进程转发，单房间内保持先进先出。
package transport

import (
	"context"
	"errors"

	"roomsync/backend/internal/event"
)

var ErrClosed = errors.New("TRANSPORT_CLOSED")

// Handler 收到一个信封时调用
type Handler func(ctx context.Context, env event.Envelope) error

type Transport interface {
	// Publish 把信封发往 env.RoomID 的所有订阅者
	Publish(ctx context.Context, env event.Envelope) error
	// Subscribe 订阅房间，返回的 cancel 可重复调用
	Subscribe(roomID string, h Handler) (cancel func(), err error)
	Close() error
}
