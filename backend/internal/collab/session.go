package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/event"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/transport"
)

// Session 一个协作房间。
// 提交路径：校验并盖章 -> 更新名册 -> 发布信封 -> 收到信封后在对应 Channel 上扇出。
// 使用 transport.Local 时整个过程同步完成，提交返回时所有观察者都已收到。
type Session struct {
	id   string
	node string

	store   *presence.Store
	monitor *presence.Monitor

	changes *channel.Channel[event.ChangeEvent]
	events  *channel.Channel[event.PresenceEvent]

	transport   transport.Transport
	unsubscribe func()

	doc    *DocumentView
	docSub *channel.Subscription

	logger *slog.Logger

	// mu 只保护 closed 与名册变更的原子性，发布期间不持有
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type sessionConfig struct {
	node        string
	transport   transport.Transport
	logger      *slog.Logger
	monitorOpts []presence.MonitorOption
	content     string
	revision    uint64
}

type SessionOption func(*sessionConfig)

func WithClock(now func() time.Time) SessionOption {
	return func(c *sessionConfig) { c.monitorOpts = append(c.monitorOpts, presence.WithClock(now)) }
}

func WithThreshold(d time.Duration) SessionOption {
	return func(c *sessionConfig) { c.monitorOpts = append(c.monitorOpts, presence.WithThreshold(d)) }
}

// WithTransport 默认每个会话自带一个 transport.Local
func WithTransport(t transport.Transport) SessionOption {
	return func(c *sessionConfig) { c.transport = t }
}

func WithLogger(l *slog.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

// WithNode 进程标识，跨进程传输时用于识别自己发出的信封
func WithNode(node string) SessionOption {
	return func(c *sessionConfig) { c.node = node }
}

// WithContent 权威文档的初始内容与版本号（通常来自快照）
func WithContent(content string, revision uint64) SessionOption {
	return func(c *sessionConfig) {
		c.content = content
		c.revision = revision
	}
}

func NewSession(roomID string, opts ...SessionOption) (*Session, error) {
	if roomID == "" {
		return nil, errors.New("empty room id")
	}
	cfg := sessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.node == "" {
		cfg.node = uuid.NewString()
	}
	if cfg.transport == nil {
		cfg.transport = transport.NewLocal()
	}
	logger := logging.OrDefault(cfg.logger).With("room", roomID)

	store := presence.NewStore()
	s := &Session{
		id:        roomID,
		node:      cfg.node,
		store:     store,
		monitor:   presence.NewMonitor(store, cfg.monitorOpts...),
		changes:   channel.New[event.ChangeEvent]("changes:" + roomID),
		events:    channel.New[event.PresenceEvent]("events:" + roomID),
		transport: cfg.transport,
		doc:       NewDocumentView(cfg.content, cfg.revision),
		logger:    logger,
		done:      make(chan struct{}),
	}

	// 权威文档是房间级观察者，按投递顺序应用每一条变更
	docSub, err := s.changes.Subscribe("", func(_ context.Context, c event.ChangeEvent) error {
		return s.doc.ApplyRemote(c)
	})
	if err != nil {
		return nil, err
	}
	s.docSub = docSub

	cancel, err := s.transport.Subscribe(roomID, s.receive)
	if err != nil {
		docSub.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	s.unsubscribe = cancel
	return s, nil
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Node() string { return s.node }

// Done 在 Close 之后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Join 登记参与者并向其他观察者广播 JOIN。
// 已在房间里的身份只刷新活跃时间，不重复广播。JOIN 不会投递给加入者自己的订阅，
// 加入者通过 Handle.JoinEvent 拿到它。
// 观察者失败时返回 *channel.DeliveryError，此时句柄仍然有效。
func (s *Session) Join(ctx context.Context, p presence.Participant) (*Handle, error) {
	if p.ID == "" {
		return nil, ErrInvalidParticipant
	}
	now := s.monitor.Now()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrRoomUnavailable
	}
	stored, fresh := s.store.Join(p, now)
	s.mu.RUnlock()

	join := event.PresenceEvent{
		ID:            event.NewID(),
		Kind:          event.KindJoin,
		RoomID:        s.id,
		ParticipantID: stored.ID,
		Name:          stored.Name,
		Color:         stored.Color,
		OccurredAt:    now,
		Join:          &event.JoinPayload{RoomID: s.id, JoinedAt: stored.JoinedAt},
	}
	h := newHandle(s, stored, join)
	if !fresh {
		s.logger.Debug("participant rejoined while active", "participant", stored.ID)
		return h, nil
	}

	s.logger.Info("participant joined", "participant", stored.ID, "name", stored.Name)
	return h, s.publish(ctx, event.Envelope{Presence: &join})
}

// Leave 移出参与者并广播 LEAVE。重复调用不产生第二个 LEAVE；
// 从未加入的身份记一条警告并返回 ErrUnknownParticipant，不改变任何状态。
// 房间已销毁时返回 ErrRoomUnavailable。
func (s *Session) Leave(ctx context.Context, participantID string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrRoomUnavailable
	}
	p, outcome := s.store.Leave(participantID)
	s.mu.RUnlock()

	switch outcome {
	case presence.LeaveUnknown:
		s.logger.Warn("leave for unknown participant", "participant", participantID)
		return ErrUnknownParticipant
	case presence.LeaveAlreadyLeft:
		return nil
	}

	s.logger.Info("participant left", "participant", participantID)
	return s.publish(ctx, event.Envelope{Presence: &event.PresenceEvent{
		ID:            event.NewID(),
		Kind:          event.KindLeave,
		RoomID:        s.id,
		ParticipantID: p.ID,
		Name:          p.Name,
		Color:         p.Color,
		OccurredAt:    s.monitor.Now(),
	}})
}

// SubmitChange 用 InsertedText 替换 [Start, End)。
// 发起者一律改写为 participantID；RemovedText 为空时从权威文档补齐。
func (s *Session) SubmitChange(ctx context.Context, participantID string, c event.ChangeEvent) (event.ChangeEvent, error) {
	if c.Start < 0 || c.End < c.Start {
		return event.ChangeEvent{}, ErrInvalidRange
	}
	if err := s.touch(participantID); err != nil {
		return event.ChangeEvent{}, err
	}

	if c.ID == "" {
		c.ID = event.NewID()
	}
	c.RoomID = s.id
	c.ParticipantID = participantID
	c.SubmittedAt = s.monitor.Now()
	if c.RemovedText == "" && c.End > c.Start {
		if removed, err := s.doc.Slice(c.Start, c.End); err == nil {
			c.RemovedText = removed
		}
	}
	return c, s.publish(ctx, event.Envelope{Change: &c})
}

// SubmitCursor 刷新活跃时间并广播 CURSOR_MOVE，不回送给自己
func (s *Session) SubmitCursor(ctx context.Context, participantID string, line, column int) error {
	if line < 0 || column < 0 {
		return ErrInvalidRange
	}
	if err := s.touch(participantID); err != nil {
		return err
	}
	p, _ := s.store.Get(participantID)
	return s.publish(ctx, event.Envelope{Presence: &event.PresenceEvent{
		ID:            event.NewID(),
		Kind:          event.KindCursorMove,
		RoomID:        s.id,
		ParticipantID: participantID,
		Name:          p.Name,
		Color:         p.Color,
		OccurredAt:    s.monitor.Now(),
		Cursor:        &event.CursorPayload{Line: line, Column: column},
	}})
}

// Rename 只改显示名；不产生事件，名册快照里可见
func (s *Session) Rename(_ context.Context, participantID, name string) (presence.Participant, error) {
	if name == "" {
		return presence.Participant{}, ErrInvalidParticipant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return presence.Participant{}, ErrRoomUnavailable
	}
	p, ok := s.store.Rename(participantID, name)
	if !ok {
		s.logger.Warn("rename for unknown participant", "participant", participantID)
		return presence.Participant{}, ErrUnknownParticipant
	}
	s.monitor.RecordActivity(participantID)
	return p, nil
}

// Heartbeat 只刷新活跃时间，不产生事件
func (s *Session) Heartbeat(_ context.Context, participantID string) error {
	return s.touch(participantID)
}

func (s *Session) touch(participantID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrRoomUnavailable
	}
	if _, ok := s.monitor.RecordActivity(participantID); !ok {
		s.logger.Warn("submit from unknown participant", "participant", participantID)
		return ErrUnknownParticipant
	}
	return nil
}

// ActiveParticipants 名册快照，在线标记按调用时刻重新计算
func (s *Session) ActiveParticipants() []presence.Participant {
	return s.monitor.Annotate(s.store.Snapshot())
}

// Participant 单个在场参与者的快照
func (s *Session) Participant(id string) (presence.Participant, bool) {
	p, ok := s.store.Get(id)
	if !ok {
		return p, false
	}
	p.Online = s.monitor.IsOnline(p)
	return p, true
}

// LastActivity 用于展示“最近活跃”，格式化交给调用方
func (s *Session) LastActivity(id string) (time.Time, bool) {
	p, ok := s.store.Get(id)
	return p.LastActivity, ok
}

// SubscribeChanges owner 为观察者所属参与者（其本人的变更不会投递），空串表示房间级观察者
func (s *Session) SubscribeChanges(owner string, obs channel.Observer[event.ChangeEvent]) (*channel.Subscription, error) {
	sub, err := s.changes.Subscribe(owner, obs)
	if errors.Is(err, channel.ErrClosed) {
		return nil, ErrRoomUnavailable
	}
	return sub, err
}

func (s *Session) SubscribeEvents(owner string, obs channel.Observer[event.PresenceEvent]) (*channel.Subscription, error) {
	sub, err := s.events.Subscribe(owner, obs)
	if errors.Is(err, channel.ErrClosed) {
		return nil, ErrRoomUnavailable
	}
	return sub, err
}

// Document 权威文档的内容与版本号
func (s *Session) Document() (string, uint64) {
	return s.doc.Snapshot()
}

func (s *Session) publish(ctx context.Context, env event.Envelope) error {
	env.Node = s.node
	env.RoomID = s.id
	err := s.transport.Publish(ctx, env)
	if errors.Is(err, channel.ErrClosed) || errors.Is(err, transport.ErrClosed) {
		return ErrRoomUnavailable
	}
	return err
}

// receive 是 transport 的回调：别的进程发来的在场事件先同步到本地名册，再扇出
func (s *Session) receive(ctx context.Context, env event.Envelope) error {
	if env.Change != nil {
		if env.Node != s.node {
			s.monitor.RecordActivityAt(env.Change.ParticipantID, env.Change.SubmittedAt)
		}
		return s.changes.Dispatch(ctx, env.Change.ParticipantID, *env.Change)
	}

	p := env.Presence
	if env.Node != s.node {
		s.applyRemotePresence(p)
	}
	return s.events.Dispatch(ctx, p.ParticipantID, *p)
}

func (s *Session) applyRemotePresence(p *event.PresenceEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	switch p.Kind {
	case event.KindJoin:
		joined := presence.Participant{ID: p.ParticipantID, Name: p.Name, Color: p.Color}
		if p.Join != nil {
			joined.JoinedAt = p.Join.JoinedAt
		}
		s.store.Join(joined, p.OccurredAt)
	case event.KindLeave:
		s.store.Leave(p.ParticipantID)
	case event.KindCursorMove:
		s.monitor.RecordActivityAt(p.ParticipantID, p.OccurredAt)
	}
}

// Close 销毁房间：所有参与者置为 left，取消全部订阅，之后的操作返回 ErrRoomUnavailable。
// 不能在观察者回调里调用。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	left := s.store.LeaveAll()
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.changes.Close()
	s.events.Close()
	close(s.done)
	s.logger.Info("room closed", "participants_left", len(left))
}
