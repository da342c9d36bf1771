package presence

import (
	"sort"
	"sync"
	"time"
)

// Status 单个房间内参与者的状态机：unjoined -> active -> left
type Status int

const (
	StatusUnjoined Status = iota
	StatusActive
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusUnjoined:
		return "unjoined"
	case StatusActive:
		return "active"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// LeaveOutcome 区分“刚离开”“已经离开过”“从未加入”
type LeaveOutcome int

const (
	LeaveRemoved LeaveOutcome = iota
	LeaveAlreadyLeft
	LeaveUnknown
)

type entry struct {
	p      Participant
	status Status
}

// Store 一个房间的在线名册，只能由所属 Session 修改
type Store struct {
	mu sync.RWMutex
	// participantID -> entry；离开后保留墓碑，用于区分重复 leave 与未知身份
	entries map[string]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Join 登记参与者。已 active 的身份只刷新活跃时间，不会产生重复条目。
// 返回存储后的副本，以及本次是否为新进入 active 状态。
func (s *Store) Join(p Participant, now time.Time) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[p.ID]; ok && e.status == StatusActive {
		if now.After(e.p.LastActivity) {
			e.p.LastActivity = now
		}
		return e.p, false
	}

	// 新加入或 left 之后重新加入：分配全新的 active 状态，身份不变
	fresh := p
	fresh.Online = false
	if fresh.JoinedAt.IsZero() {
		fresh.JoinedAt = now
	}
	fresh.LastActivity = now
	s.entries[p.ID] = &entry{p: fresh, status: StatusActive}
	return fresh, true
}

// Leave 将参与者移出名册
func (s *Store) Leave(id string) (Participant, LeaveOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Participant{}, LeaveUnknown
	}
	if e.status == StatusLeft {
		return e.p, LeaveAlreadyLeft
	}
	e.status = StatusLeft
	return e.p, LeaveRemoved
}

// LeaveAll 房间销毁时把所有 active 参与者置为 left，返回受影响的 ID
func (s *Store) LeaveAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.status == StatusActive {
			e.status = StatusLeft
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// touch 单调不减地刷新活跃时间，仅对 active 生效。外部统一走 Monitor.RecordActivity。
func (s *Store) touch(id string, now time.Time) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.status != StatusActive {
		return Participant{}, false
	}
	if now.After(e.p.LastActivity) {
		e.p.LastActivity = now
	}
	return e.p, true
}

// Rename 修改显示名；ID 与颜色不可变
func (s *Store) Rename(id, name string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.status != StatusActive {
		return Participant{}, false
	}
	e.p.Name = name
	return e.p, true
}

// Get 返回 active 参与者的副本
func (s *Store) Get(id string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok || e.status != StatusActive {
		return Participant{}, false
	}
	return e.p, true
}

func (s *Store) Status(id string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return StatusUnjoined
	}
	return e.status
}

// Snapshot 在读锁下复制所有 active 条目，按加入时间、ID 排序
func (s *Store) Snapshot() []Participant {
	s.mu.RLock()
	out := make([]Participant, 0, len(s.entries))
	for _, e := range s.entries {
		if e.status == StatusActive {
			out = append(out, e.p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.status == StatusActive {
			n++
		}
	}
	return n
}
