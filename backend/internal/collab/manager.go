package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/logging"
	"roomsync/backend/internal/presence"
	"roomsync/backend/internal/transport"
)

// SnapshotStore 快照存储接口，只声明，实现在 store 中
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, roomID string, rev uint64, content string) error
	// ok=false 表示该房间还没有快照
	LatestSnapshot(ctx context.Context, roomID string) (content string, rev uint64, ok bool, err error)
}

type roomState struct {
	session *Session
	audit   *channel.Subscription
	mirror  *MirrorLink
}

type ManagerOptions struct {
	// 进程标识，空时随机生成
	Node           string
	Transport      transport.Transport
	Snapshots      SnapshotStore
	Audit          *KafkaDispatcher
	Mirror         PresenceMirror
	MirrorOptions  MirrorOptions
	SessionOptions []SessionOption
	Logger         *slog.Logger
}

// Manager 房间生命周期：join(roomId, participant) / leave(participantId) / teardown(roomId)。
// 一个参与者在同一个 Manager 下同时只属于一个房间。
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	// participantID -> 最近一次加入的房间；teardown 或加入别的房间时更新
	memberOf map[string]string

	group singleflight.Group

	node        string
	transport   transport.Transport
	snapshots   SnapshotStore
	audit       *KafkaDispatcher
	mirror      PresenceMirror
	mirrorOpts  MirrorOptions
	sessionOpts []SessionOption
	logger      *slog.Logger
}

func NewManager(opt ManagerOptions) *Manager {
	if opt.Node == "" {
		opt.Node = uuid.NewString()
	}
	if opt.Transport == nil {
		opt.Transport = transport.NewLocal()
	}
	return &Manager{
		rooms:       make(map[string]*roomState),
		memberOf:    make(map[string]string),
		node:        opt.Node,
		transport:   opt.Transport,
		snapshots:   opt.Snapshots,
		audit:       opt.Audit,
		mirror:      opt.Mirror,
		mirrorOpts:  opt.MirrorOptions,
		sessionOpts: opt.SessionOptions,
		logger:      logging.OrDefault(opt.Logger),
	}
}

func (m *Manager) Node() string { return m.node }

// Room 已打开的房间
func (m *Manager) Room(roomID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.rooms[roomID]
	if rs == nil {
		return nil, false
	}
	return rs.session, true
}

// Rooms 当前打开的房间，按字典序
func (m *Manager) Rooms() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CreateRoom 分配一个未被占用的房间码并打开
func (m *Manager) CreateRoom(ctx context.Context) (*Session, error) {
	for i := 0; i < 16; i++ {
		id := NewRoomID()
		if _, exists := m.Room(id); exists {
			continue
		}
		return m.Open(ctx, id)
	}
	return nil, errors.New("no free room id")
}

// Open 获取或创建房间。并发的首次打开只会创建一次，并从最新快照恢复文档。
func (m *Manager) Open(ctx context.Context, roomID string) (*Session, error) {
	if roomID == "" {
		return nil, ErrRoomUnavailable
	}
	if s, ok := m.Room(roomID); ok {
		return s, nil
	}
	v, err, _ := m.group.Do(roomID, func() (any, error) {
		if s, ok := m.Room(roomID); ok {
			return s, nil
		}
		return m.create(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) create(ctx context.Context, roomID string) (*Session, error) {
	var (
		content string
		rev     uint64
	)
	if m.snapshots != nil {
		c, r, ok, err := m.snapshots.LatestSnapshot(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot of room %s: %w", roomID, err)
		}
		if ok {
			content, rev = c, r
		}
	}

	opts := append([]SessionOption{
		WithNode(m.node),
		WithTransport(m.transport),
		WithLogger(m.logger),
		WithContent(content, rev),
	}, m.sessionOpts...)
	s, err := NewSession(roomID, opts...)
	if err != nil {
		return nil, err
	}

	rs := &roomState{session: s}
	if m.audit != nil {
		if rs.audit, err = AttachAudit(s, m.audit); err != nil {
			s.Close()
			return nil, err
		}
	}
	if m.mirror != nil {
		if rs.mirror, err = AttachPresenceMirror(s, m.mirror, m.mirrorOpts); err != nil {
			s.Close()
			return nil, err
		}
	}

	m.mu.Lock()
	m.rooms[roomID] = rs
	m.mu.Unlock()
	m.logger.Info("room opened", "room", roomID, "revision", rev)
	return s, nil
}

// Join 加入房间（不存在则创建）。参与者已在别的房间时先离开那个房间。
func (m *Manager) Join(ctx context.Context, roomID string, p presence.Participant) (*Handle, error) {
	if p.ID == "" {
		return nil, ErrInvalidParticipant
	}
	m.mu.RLock()
	prev := m.memberOf[p.ID]
	m.mu.RUnlock()
	if prev != "" && prev != roomID {
		if err := m.Leave(ctx, p.ID); err != nil && !isDeliveryError(err) {
			m.logger.Warn("leave previous room failed", "room", prev, "participant", p.ID, "err", err)
		}
	}

	s, err := m.Open(ctx, roomID)
	if err != nil {
		return nil, err
	}
	h, err := s.Join(ctx, p)
	if h != nil {
		m.mu.Lock()
		m.memberOf[p.ID] = roomID
		m.mu.Unlock()
	}
	return h, err
}

// Leave 离开参与者当前所在的房间。重复调用返回 nil；从未加入过返回 ErrUnknownParticipant。
func (m *Manager) Leave(ctx context.Context, participantID string) error {
	m.mu.RLock()
	roomID, ok := m.memberOf[participantID]
	rs := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok || rs == nil {
		m.logger.Warn("leave for unknown participant", "participant", participantID)
		return ErrUnknownParticipant
	}
	return rs.session.Leave(ctx, participantID)
}

// Disconnect 连接断开时调用：离开房间并忘掉参与者的归属，之后再 Leave 返回 ErrUnknownParticipant。
// 房间已销毁时什么都不做。
func (m *Manager) Disconnect(ctx context.Context, participantID string) error {
	m.mu.Lock()
	roomID, ok := m.memberOf[participantID]
	delete(m.memberOf, participantID)
	rs := m.rooms[roomID]
	m.mu.Unlock()
	if !ok || rs == nil {
		return nil
	}
	// 取到 rs 之后房间可能刚被销毁
	if err := rs.session.Leave(ctx, participantID); err != nil && !errors.Is(err, ErrRoomUnavailable) {
		return err
	}
	return nil
}

// Heartbeat 刷新活跃时间并续期镜像里的成员 TTL
func (m *Manager) Heartbeat(ctx context.Context, roomID, participantID string) error {
	rs, err := m.state(roomID)
	if err != nil {
		return err
	}
	if err := rs.session.Heartbeat(ctx, participantID); err != nil {
		return err
	}
	if rs.mirror != nil {
		rs.mirror.Refresh(participantID)
	}
	return nil
}

// Rename 修改显示名并同步到镜像
func (m *Manager) Rename(ctx context.Context, roomID, participantID, name string) (presence.Participant, error) {
	rs, err := m.state(roomID)
	if err != nil {
		return presence.Participant{}, err
	}
	p, err := rs.session.Rename(ctx, participantID, name)
	if err != nil {
		return p, err
	}
	if rs.mirror != nil {
		rs.mirror.Refresh(participantID)
	}
	return p, nil
}

// SaveSnapshot 把房间当前文档写入快照存储，返回写入的版本号
func (m *Manager) SaveSnapshot(ctx context.Context, roomID string) (uint64, error) {
	rs, err := m.state(roomID)
	if err != nil {
		return 0, err
	}
	if m.snapshots == nil {
		return 0, errors.New("snapshot store not initialized")
	}
	content, rev := rs.session.Document()
	if err := m.snapshots.SaveDocumentSnapshot(ctx, roomID, rev, content); err != nil {
		return 0, err
	}
	return rev, nil
}

// Teardown 销毁房间：保存最终快照，所有参与者置为 left，释放全部订阅
func (m *Manager) Teardown(ctx context.Context, roomID string) error {
	m.mu.Lock()
	rs := m.rooms[roomID]
	delete(m.rooms, roomID)
	for pid, rid := range m.memberOf {
		if rid == roomID {
			delete(m.memberOf, pid)
		}
	}
	m.mu.Unlock()
	if rs == nil {
		return ErrRoomUnavailable
	}

	var errs []error
	if m.snapshots != nil {
		content, rev := rs.session.Document()
		if rev > 0 {
			if err := m.snapshots.SaveDocumentSnapshot(ctx, roomID, rev, content); err != nil {
				errs = append(errs, fmt.Errorf("final snapshot of room %s: %w", roomID, err))
			}
		}
	}
	if rs.audit != nil {
		rs.audit.Close()
	}
	rs.session.Close()
	if rs.mirror != nil {
		rs.mirror.Close(true)
	}
	m.logger.Info("room torn down", "room", roomID)
	return errors.Join(errs...)
}

// Close 销毁全部房间
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.Rooms() {
		if err := m.Teardown(ctx, id); err != nil && !errors.Is(err, ErrRoomUnavailable) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) state(roomID string) (*roomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.rooms[roomID]
	if rs == nil {
		return nil, ErrRoomUnavailable
	}
	return rs, nil
}

func isDeliveryError(err error) bool {
	var de *channel.DeliveryError
	return errors.As(err, &de)
}
