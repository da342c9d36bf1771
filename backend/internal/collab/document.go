package collab

import (
	"context"
	"sync"
	"sync/atomic"

	"roomsync/backend/internal/channel"
	"roomsync/backend/internal/delta"
	"roomsync/backend/internal/event"
)

// LocalEditFunc 本地编辑回调，一般用来把编辑提交给会话。返回的错误由 Replace 带回给调用方。
type LocalEditFunc func(start, end int, inserted, removed string) error

// DocumentView 一份文档副本：服务端权威文档和客户端视图都用它。
// 没有冲突合并，按到达顺序应用，后到的覆盖先到的。
type DocumentView struct {
	mu       sync.Mutex
	buf      Buffer
	revision uint64

	// 应用远端变更期间为 true，只在持锁期间变化
	applyingRemote atomic.Bool
	onLocal        LocalEditFunc
}

func NewDocumentView(initial string, revision uint64) *DocumentView {
	return &DocumentView{buf: NewPieceTable(initial), revision: revision}
}

// OnLocalEdit 注册本地编辑回调，只保留最后一个
func (v *DocumentView) OnLocalEdit(fn LocalEditFunc) {
	v.mu.Lock()
	v.onLocal = fn
	v.mu.Unlock()
}

// Replace 本地编辑：用 text 替换 [start, end)，返回被替换掉的文本。
// 远端变更只走 ApplyRemote，所以这里每次成功的编辑都会回调 onLocal。
// 回调出错时本地修改已经生效，返回 removed 和回调的错误。
func (v *DocumentView) Replace(start, end int, text string) (string, error) {
	v.mu.Lock()
	removed, err := v.replaceLocked(start, end, text)
	fn := v.onLocal
	v.mu.Unlock()
	if err != nil {
		return "", err
	}
	if fn == nil {
		return removed, nil
	}
	return removed, fn(start, end, text, removed)
}

// ApplyRemote 应用别人的变更。区间超出当前文档时截断到文档末尾：
// 没有 OT，两边文档可能已经不一致，此时尽量应用而不是丢弃。
func (v *DocumentView) ApplyRemote(c event.ChangeEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.applyingRemote.Store(true)
	defer v.applyingRemote.Store(false)

	n := v.buf.Len()
	start, end := clamp(c.Start, 0, n), clamp(c.End, 0, n)
	if end < start {
		end = start
	}
	_, err := v.replaceLocked(start, end, c.InsertedText)
	return err
}

func (v *DocumentView) replaceLocked(start, end int, text string) (string, error) {
	if start < 0 || end < start {
		return "", ErrInvalidRange
	}
	removed, err := v.buf.Slice(start, end)
	if err != nil {
		return "", ErrInvalidRange
	}
	d, err := delta.Replace(start, end, text)
	if err != nil {
		return "", ErrInvalidRange
	}
	if err := v.buf.Apply(d); err != nil {
		return "", err
	}
	v.revision++
	return removed, nil
}

// ApplyingRemote 供外部编辑器适配层判断当前修改是否来自远端
func (v *DocumentView) ApplyingRemote() bool { return v.applyingRemote.Load() }

// Slice 读取 [start, end)
func (v *DocumentView) Slice(start, end int) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.Slice(start, end)
}

func (v *DocumentView) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.String()
}

// Snapshot 同一把锁下取内容和版本号
func (v *DocumentView) Snapshot() (string, uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.String(), v.revision
}

func (v *DocumentView) Revision() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.revision
}

func (v *DocumentView) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.Len()
}

// Bind 把视图挂到参与者句柄上：别人的变更 ApplyRemote 进来，本地编辑提交出去。
// 远端变更不会被再次提交（回声抑制）。提交失败（房间已关闭、已离开、观察者出错）
// 由 v.Replace 返回。返回的订阅由调用方 Close。
func Bind(ctx context.Context, h *Handle, v *DocumentView) (*channel.Subscription, error) {
	v.OnLocalEdit(func(start, end int, inserted, removed string) error {
		_, err := h.SubmitChange(ctx, event.ChangeEvent{Start: start, End: end, InsertedText: inserted, RemovedText: removed})
		return err
	})
	return h.SubscribeChanges(func(_ context.Context, c event.ChangeEvent) error {
		return v.ApplyRemote(c)
	})
}

func clamp(x, lo, hi int) int {
	return max(lo, min(x, hi))
}
