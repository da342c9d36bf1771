package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/event"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/presence"
)

// PresenceMirror 在线名册的外部镜像（cache.RedisPresence 实现）
type PresenceMirror interface {
	AddMember(ctx context.Context, roomID string, p presence.Participant) error
	RemoveMember(ctx context.Context, roomID, participantID string) error
	SetCursor(ctx context.Context, roomID, participantID string, c event.CursorPayload) error
	RemoveRoom(ctx context.Context, roomID string) error
}

type mirrorTask func(ctx context.Context) error

// MirrorLink 一个房间到镜像的连接：观察者只入队，单个 worker 按顺序写出
type MirrorLink struct {
	session *Session
	mirror  PresenceMirror
	queue   chan mirrorTask
	timeout time.Duration
	logger  *slog.Logger

	subs []*channel.Subscription

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type MirrorOptions struct {
	QueueSize int
	// 单次写镜像的超时
	Timeout time.Duration
	Logger  *slog.Logger
}

// AttachPresenceMirror 以房间级观察者同时订阅 events 和 changes：
// JOIN/LEAVE/CURSOR_MOVE 对应写成员与光标，编辑只续期成员 TTL
func AttachPresenceMirror(s *Session, m PresenceMirror, opt MirrorOptions) (*MirrorLink, error) {
	if m == nil {
		return nil, errors.New("nil presence mirror")
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 3 * time.Second
	}
	l := &MirrorLink{
		session: s,
		mirror:  m,
		queue:   make(chan mirrorTask, opt.QueueSize),
		timeout: opt.Timeout,
		logger:  logging.OrDefault(opt.Logger).With("room", s.ID()),
		done:    make(chan struct{}),
	}

	evSub, err := s.SubscribeEvents("", func(_ context.Context, e event.PresenceEvent) error {
		l.onPresence(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	chSub, err := s.SubscribeChanges("", func(_ context.Context, c event.ChangeEvent) error {
		l.refresh(c.ParticipantID)
		return nil
	})
	if err != nil {
		evSub.Close()
		return nil, err
	}
	l.subs = []*channel.Subscription{evSub, chSub}

	// 已经在房间里的参与者先同步一次
	for _, p := range s.ActiveParticipants() {
		l.refresh(p.ID)
	}

	go l.run()
	return l, nil
}

func (l *MirrorLink) onPresence(e event.PresenceEvent) {
	roomID := l.session.ID()
	switch e.Kind {
	case event.KindJoin:
		l.refresh(e.ParticipantID)
	case event.KindLeave:
		id := e.ParticipantID
		l.enqueue(func(ctx context.Context) error { return l.mirror.RemoveMember(ctx, roomID, id) })
	case event.KindCursorMove:
		if e.Cursor == nil {
			return
		}
		id, cur := e.ParticipantID, *e.Cursor
		l.refresh(id)
		l.enqueue(func(ctx context.Context) error { return l.mirror.SetCursor(ctx, roomID, id, cur) })
	}
}

// refresh 从会话取最新快照（名字可能已被 Rename）写入镜像
func (l *MirrorLink) refresh(participantID string) {
	p, ok := l.session.Participant(participantID)
	if !ok {
		return
	}
	roomID := l.session.ID()
	l.enqueue(func(ctx context.Context) error { return l.mirror.AddMember(ctx, roomID, p) })
}

// Refresh 供外部（例如心跳、改名）触发一次续期
func (l *MirrorLink) Refresh(participantID string) { l.refresh(participantID) }

func (l *MirrorLink) enqueue(task mirrorTask) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- task:
	default:
		l.logger.Warn("presence mirror queue full, drop update")
	}
}

func (l *MirrorLink) run() {
	defer close(l.done)
	for task := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := task(ctx); err != nil {
			l.logger.Warn("presence mirror write failed", "err", err)
		}
		cancel()
	}
}

// Close 退订并把队列里剩余的写入做完。removeRoom 为 true 时最后清掉整个房间的镜像。
func (l *MirrorLink) Close(removeRoom bool) {
	for _, sub := range l.subs {
		sub.Close()
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	if removeRoom {
		roomID := l.session.ID()
		// 队列满也要保证这一条写进去：此时没有别的生产者了
		l.queue <- func(ctx context.Context) error { return l.mirror.RemoveRoom(ctx, roomID) }
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}
