package transport

import (
	"context"
	"errors"
	"sync"

	"roomsync/backend/internal/event"
)

type localSub struct {
	id uint64
	h  Handler
}

// Local 进程内实现：Publish 返回时所有订阅者都已处理完毕
type Local struct {
	mu     sync.RWMutex
	rooms  map[string][]localSub
	nextID uint64
	closed bool
}

var _ Transport = (*Local)(nil)

func NewLocal() *Local {
	return &Local{rooms: make(map[string][]localSub)}
}

func (l *Local) Publish(ctx context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]localSub(nil), l.rooms[env.RoomID]...)
	l.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.h(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func (l *Local) Subscribe(roomID string, h Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("nil handler")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.nextID++
	id := l.nextID
	l.rooms[roomID] = append(l.rooms[roomID], localSub{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(roomID, id) })
	}, nil
}

func (l *Local) remove(roomID string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.rooms[roomID]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(l.rooms, roomID)
		return
	}
	l.rooms[roomID] = subs
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.rooms = make(map[string][]localSub)
	return nil
}
