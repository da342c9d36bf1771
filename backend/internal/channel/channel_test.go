package channel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []int
}

func (r *recorder) observe(_ context.Context, v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
	return nil
}

func (r *recorder) values() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.got))
	copy(out, r.got)
	return out
}

func TestDispatchSuppressesSelfEcho(t *testing.T) {
	ch := New[int]("changes")
	var u1, u2, room recorder
	_, err := ch.Subscribe("u1", u1.observe)
	require.NoError(t, err)
	_, err = ch.Subscribe("u2", u2.observe)
	require.NoError(t, err)
	_, err = ch.Subscribe("", room.observe)
	require.NoError(t, err)

	require.NoError(t, ch.Dispatch(context.Background(), "u1", 7))

	assert.Empty(t, u1.values())
	assert.Equal(t, []int{7}, u2.values())
	assert.Equal(t, []int{7}, room.values())
}

func TestDispatchIsFIFOPerObserver(t *testing.T) {
	ch := New[int]("changes")
	var a, b recorder
	_, _ = ch.Subscribe("a", a.observe)
	_, _ = ch.Subscribe("b", b.observe)

	for i := 0; i < 100; i++ {
		require.NoError(t, ch.Dispatch(context.Background(), "x", i))
	}
	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, a.values())
	assert.Equal(t, want, b.values())
}

func TestConcurrentDispatchGivesEveryObserverSameOrder(t *testing.T) {
	ch := New[int]("changes")
	var a, b recorder
	_, _ = ch.Subscribe("a", a.observe)
	_, _ = ch.Subscribe("b", b.observe)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = ch.Dispatch(context.Background(), "x", v)
		}(i)
	}
	wg.Wait()

	require.Len(t, a.values(), 200)
	assert.Equal(t, a.values(), b.values())
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	ch := New[int]("events")
	require.NoError(t, ch.Dispatch(context.Background(), "u1", 1))

	var late recorder
	_, _ = ch.Subscribe("u2", late.observe)
	require.NoError(t, ch.Dispatch(context.Background(), "u1", 2))
	assert.Equal(t, []int{2}, late.values())
}

func TestFailingObserverIsIsolated(t *testing.T) {
	ch := New[int]("events")
	boom := errors.New("boom")
	var before, after recorder
	_, _ = ch.Subscribe("a", before.observe)
	bad, _ := ch.Subscribe("bad", func(context.Context, int) error { return boom })
	_, _ = ch.Subscribe("p", func(context.Context, int) error { panic("kaboom") })
	_, _ = ch.Subscribe("c", after.observe)

	err := ch.Dispatch(context.Background(), "x", 1)
	require.Error(t, err)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	require.Len(t, de.Failures, 2)
	assert.Equal(t, bad.ID(), de.Failures[0].SubscriptionID)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrObserverPanic)

	assert.Equal(t, []int{1}, before.values())
	assert.Equal(t, []int{1}, after.values())
}

func TestSubscriptionClose(t *testing.T) {
	ch := New[int]("events")
	var r recorder
	sub, err := ch.Subscribe("u1", r.observe)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.Len())

	sub.Close()
	sub.Close()
	assert.False(t, sub.Active())
	assert.Zero(t, ch.Len())

	require.NoError(t, ch.Dispatch(context.Background(), "u2", 1))
	assert.Empty(t, r.values())
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	ch := New[int]("events")
	var second recorder
	var secondSub *Subscription
	_, _ = ch.Subscribe("a", func(context.Context, int) error {
		secondSub.Close()
		return nil
	})
	secondSub, _ = ch.Subscribe("b", second.observe)

	require.NoError(t, ch.Dispatch(context.Background(), "x", 1))
	assert.Empty(t, second.values())
}

func TestCloseCancelsEverything(t *testing.T) {
	ch := New[int]("events")
	sub, _ := ch.Subscribe("u1", func(context.Context, int) error { return nil })
	ch.Close()

	assert.False(t, sub.Active())
	assert.ErrorIs(t, ch.Dispatch(context.Background(), "x", 1), ErrClosed)
	_, err := ch.Subscribe("u2", func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	// 关闭后再 Close 句柄不应 panic
	sub.Close()
}
