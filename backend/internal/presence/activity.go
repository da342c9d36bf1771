package presence

import "time"

// OnlineThreshold 超过该时长没有活动即视为离线
const OnlineThreshold = 5 * time.Minute

// Monitor 根据活跃时间判定在线状态
type Monitor struct {
	store     *Store
	threshold time.Duration
	now       func() time.Time
}

type MonitorOption func(*Monitor)

func WithThreshold(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithClock 替换时钟，测试里用来精确控制边界
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMonitor(store *Store, opts ...MonitorOption) *Monitor {
	m := &Monitor{store: store, threshold: OnlineThreshold, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Now() time.Time { return m.now() }

func (m *Monitor) Threshold() time.Duration { return m.threshold }

// IsOnline 严格小于：正好等于阈值时视为离线
func (m *Monitor) IsOnline(p Participant) bool {
	if p.LastActivity.IsZero() {
		return false
	}
	return m.now().Sub(p.LastActivity) < m.threshold
}

// RecordActivity 把参与者的 lastActivity 更新为 now（单调不减）
func (m *Monitor) RecordActivity(id string) (Participant, bool) {
	return m.store.touch(id, m.now())
}

// Annotate 按调用时刻重新计算在线标记
func (m *Monitor) Annotate(ps []Participant) []Participant {
	for i := range ps {
		ps[i].Online = m.IsOnline(ps[i])
	}
	return ps
}

// RecordActivityAt 用事件自带的时间刷新，跨进程同步时使用
func (m *Monitor) RecordActivityAt(id string, at time.Time) (Participant, bool) {
	return m.store.touch(id, at)
}
