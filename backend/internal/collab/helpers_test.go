package collab

import (
	"context"
	"sync"
	"time"

	"roomsync/backend/internal/event"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu  sync.Mutex
	got []event.PresenceEvent
}

func (l *eventLog) observe(_ context.Context, e event.PresenceEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, e)
	return nil
}

func (l *eventLog) all() []event.PresenceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.PresenceEvent(nil), l.got...)
}

func (l *eventLog) kinds() []event.PresenceKind {
	var out []event.PresenceKind
	for _, e := range l.all() {
		out = append(out, e.Kind)
	}
	return out
}

type changeLog struct {
	mu  sync.Mutex
	got []event.ChangeEvent
}

func (l *changeLog) observe(_ context.Context, c event.ChangeEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, c)
	return nil
}

func (l *changeLog) all() []event.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.ChangeEvent(nil), l.got...)
}

func (l *changeLog) texts() []string {
	var out []string
	for _, c := range l.all() {
		out = append(out, c.InsertedText)
	}
	return out
}
