package collab

import (
	"context"
	"sync"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/event"
	"roomsync/backend/internal/presence"
)

// Handle 参与者在房间里的句柄。通过它创建的订阅都以该参与者为 owner，
// 因此永远收不到自己的事件；Leave 时一并释放。
type Handle struct {
	session     *Session
	participant presence.Participant
	join        event.PresenceEvent

	mu   sync.Mutex
	subs []*channel.Subscription
}

func newHandle(s *Session, p presence.Participant, join event.PresenceEvent) *Handle {
	return &Handle{session: s, participant: p, join: join}
}

func (h *Handle) ParticipantID() string { return h.participant.ID }

// Participant 加入时的快照；最新状态用 Session.Participant
func (h *Handle) Participant() presence.Participant { return h.participant }

func (h *Handle) Session() *Session { return h.session }

// JoinEvent 本次加入对应的 JOIN，供本地初始化使用，不会出现在自己的订阅里
func (h *Handle) JoinEvent() event.PresenceEvent { return h.join }

func (h *Handle) SubmitChange(ctx context.Context, c event.ChangeEvent) (event.ChangeEvent, error) {
	return h.session.SubmitChange(ctx, h.participant.ID, c)
}

func (h *Handle) SubmitCursor(ctx context.Context, line, column int) error {
	return h.session.SubmitCursor(ctx, h.participant.ID, line, column)
}

func (h *Handle) Rename(ctx context.Context, name string) (presence.Participant, error) {
	return h.session.Rename(ctx, h.participant.ID, name)
}

func (h *Handle) SubscribeChanges(obs channel.Observer[event.ChangeEvent]) (*channel.Subscription, error) {
	sub, err := h.session.SubscribeChanges(h.participant.ID, obs)
	if err != nil {
		return nil, err
	}
	h.track(sub)
	return sub, nil
}

func (h *Handle) SubscribeEvents(obs channel.Observer[event.PresenceEvent]) (*channel.Subscription, error) {
	sub, err := h.session.SubscribeEvents(h.participant.ID, obs)
	if err != nil {
		return nil, err
	}
	h.track(sub)
	return sub, nil
}

func (h *Handle) track(sub *channel.Subscription) {
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
}

// Release 释放经由句柄创建的所有订阅，不离开房间
func (h *Handle) Release() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Leave 先释放订阅再离开房间，所以离开者自己不会收到任何后续事件
func (h *Handle) Leave(ctx context.Context) error {
	h.Release()
	return h.session.Leave(ctx, h.participant.ID)
}
