package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/event"
	"roomsync/backend/internal/presence"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newPresence(t *testing.T, opts ...Option) (*RedisPresence, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewRedisPresence(rdb, opts...), mr, c
}

func TestAddMemberAndListAlive(t *testing.T) {
	p, _, _ := newPresence(t)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "ABCDEF", presence.Participant{ID: "u1", Name: "Ada", Color: "#4285F4"}))
	require.NoError(t, p.AddMember(ctx, "ABCDEF", presence.Participant{ID: "u2", Name: "Bob"}))

	members, err := p.GetAliveMembersWithNames(ctx, "ABCDEF")
	require.NoError(t, err)
	require.Len(t, members, 2)

	byID := map[string]PresenceMember{}
	for _, m := range members {
		byID[m.ParticipantID] = m
	}
	assert.Equal(t, "Ada", byID["u1"].Name)
	assert.Equal(t, "#4285F4", byID["u1"].Color)
	assert.Equal(t, "Bob", byID["u2"].Name)
	assert.Empty(t, byID["u2"].Color)

	rooms, err := p.GetRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCDEF"}, rooms)
}

func TestExpiredMembersAreCleanedUp(t *testing.T) {
	p, mr, c := newPresence(t, WithMemberTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "R", presence.Participant{ID: "old", Name: "Old"}))
	c.now = c.now.Add(30 * time.Second)
	require.NoError(t, p.AddMember(ctx, "R", presence.Participant{ID: "new", Name: "New"}))

	c.now = c.now.Add(31 * time.Second)
	members, err := p.GetAliveMembersWithNames(ctx, "R")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "new", members[0].ParticipantID)

	names, err := mr.HKeys(namesKey("R"))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, names)
}

func TestRemoveMemberDropsEmptyRoom(t *testing.T) {
	p, _, _ := newPresence(t)
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "R", presence.Participant{ID: "u1", Name: "A"}))
	require.NoError(t, p.AddMember(ctx, "R", presence.Participant{ID: "u2", Name: "B"}))
	require.NoError(t, p.SetCursor(ctx, "R", "u1", event.CursorPayload{Line: 1, Column: 2}))

	require.NoError(t, p.RemoveMember(ctx, "R", "u1"))
	_, err := p.GetCursor(ctx, "R", "u1")
	assert.ErrorIs(t, err, redis.Nil)
	rooms, _ := p.GetRooms(ctx)
	assert.Equal(t, []string{"R"}, rooms)

	require.NoError(t, p.RemoveMember(ctx, "R", "u2"))
	rooms, _ = p.GetRooms(ctx)
	assert.Empty(t, rooms)
}

func TestCursorRoundTripWithTTL(t *testing.T) {
	p, mr, _ := newPresence(t, WithCursorTTL(10*time.Second))
	ctx := context.Background()

	require.NoError(t, p.SetCursor(ctx, "R", "u1", event.CursorPayload{Line: 0, Column: 4}))
	got, err := p.GetCursor(ctx, "R", "u1")
	require.NoError(t, err)
	assert.Equal(t, event.CursorPayload{Line: 0, Column: 4}, got)

	mr.FastForward(11 * time.Second)
	_, err = p.GetCursor(ctx, "R", "u1")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRemoveRoom(t *testing.T) {
	p, mr, _ := newPresence(t)
	ctx := context.Background()
	require.NoError(t, p.AddMember(ctx, "R", presence.Participant{ID: "u1", Name: "A", Color: "#EA4335"}))
	require.NoError(t, p.SetCursor(ctx, "R", "u1", event.CursorPayload{Line: 3}))

	require.NoError(t, p.RemoveRoom(ctx, "R"))
	assert.False(t, mr.Exists(roomKey("R")))
	assert.False(t, mr.Exists(namesKey("R")))
	assert.False(t, mr.Exists(cursorKey("R", "u1")))
	members, err := p.GetAliveMembersWithNames(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
}
