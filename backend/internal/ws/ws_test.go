package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomsync/backend/internal/collab"
	"roomsync/backend/internal/event"
	"roomsync/backend/internal/logging"
)

type testServer struct {
	rooms *collab.Manager
	hub   *Hub
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rooms := collab.NewManager(collab.ManagerOptions{Logger: logging.Discard()})
	hub := NewHub()
	mgr := NewManager(hub, rooms, Options{Logger: logging.Discard()})

	r := gin.New()
	r.GET("/collab/ws", mgr.WebSocketConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		_ = rooms.Close(context.Background())
	})
	return &testServer{rooms: rooms, hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/ws"}
}

func (s *testServer) dial(t *testing.T, room, name string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(s.url+"?roomId="+room+"&name="+name, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// next 读到指定类型的消息为止，其余类型跳过
func next(t *testing.T, c *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg ServerMessage
		require.NoError(t, c.ReadJSON(&msg), "waiting for %q", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestWelcomeCarriesBootstrap(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")

	w := next(t, a, TypeWelcome)
	assert.Equal(t, "ABCDEF", w.RoomID)
	assert.NotEmpty(t, w.ParticipantID)
	require.NotNil(t, w.Presence)
	assert.Equal(t, event.KindJoin, w.Presence.Kind)
	assert.Equal(t, w.ParticipantID, w.Presence.ParticipantID)
	require.Len(t, w.Members, 1)
	assert.Equal(t, "Ada", w.Members[0].Name)
}

func TestChangesAndPresenceFlowBetweenConnections(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")
	wa := next(t, a, TypeWelcome)

	b := s.dial(t, "ABCDEF", "Bob")
	wb := next(t, b, TypeWelcome)
	assert.Len(t, wb.Members, 2)

	joined := next(t, a, TypePresence)
	assert.Equal(t, event.KindJoin, joined.Presence.Kind)
	assert.Equal(t, wb.ParticipantID, joined.Presence.ParticipantID)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeChange, Start: 0, End: 0, Text: "hello"}))
	ack := next(t, a, TypeFeedback)
	require.NotNil(t, ack.Change)
	assert.Equal(t, wa.ParticipantID, ack.Change.ParticipantID)

	got := next(t, b, TypeChange)
	assert.Equal(t, "hello", got.Change.InsertedText)
	assert.Equal(t, wa.ParticipantID, got.Change.ParticipantID)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeCursor, Line: 1, Column: 4}))
	cur := next(t, b, TypePresence)
	assert.Equal(t, event.KindCursorMove, cur.Presence.Kind)
	assert.Equal(t, &event.CursorPayload{Line: 1, Column: 4}, cur.Presence.Cursor)

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeLoadDocument}))
	doc := next(t, b, TypeDocument)
	assert.Equal(t, "hello", doc.Content)
	assert.Equal(t, uint64(1), doc.Revision)

	require.NoError(t, b.Close())
	left := next(t, a, TypePresence)
	assert.Equal(t, event.KindLeave, left.Presence.Kind)
	assert.Equal(t, wb.ParticipantID, left.Presence.ParticipantID)
}

func TestRenameBroadcastsMembers(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")
	next(t, a, TypeWelcome)
	b := s.dial(t, "ABCDEF", "Bob")
	wb := next(t, b, TypeWelcome)

	require.NoError(t, b.WriteJSON(ClientMessage{Type: TypeRename, Name: "Robert"}))
	for _, c := range []*websocket.Conn{a, b} {
		msg := next(t, c, TypeMembers)
		var names []string
		for _, m := range msg.Members {
			if m.ParticipantID == wb.ParticipantID {
				names = append(names, m.Name)
			}
		}
		assert.Equal(t, []string{"Robert"}, names)
	}
}

func TestInvalidInputGetsErrorAndConnectionSurvives(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")
	next(t, a, TypeWelcome)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "BAD_MESSAGE", next(t, a, TypeError).Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeChange, Start: 5, End: 2}))
	assert.Equal(t, collab.ErrInvalidRange.Error(), next(t, a, TypeError).Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: "nope"}))
	assert.Equal(t, "UNKNOWN_MESSAGE", next(t, a, TypeError).Code)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeHeartbeat}))
	assert.Equal(t, "Heartbeat received", next(t, a, TypeFeedback).Content)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeSaveDocument}))
	assert.Equal(t, "SAVE_FAILED", next(t, a, TypeError).Code)
}

func TestLeaveMessageClosesConnection(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")
	next(t, a, TypeWelcome)

	require.NoError(t, a.WriteJSON(ClientMessage{Type: TypeLeave}))
	assert.Equal(t, "left", next(t, a, TypeFeedback).Content)

	_ = a.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := a.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool { return s.hub.Count("ABCDEF") == 0 }, 3*time.Second, 10*time.Millisecond)
	sess, ok := s.rooms.Room("ABCDEF")
	require.True(t, ok)
	assert.Empty(t, sess.ActiveParticipants())
}

func TestTeardownClosesConnections(t *testing.T) {
	s := newTestServer(t)
	a := s.dial(t, "ABCDEF", "Ada")
	next(t, a, TypeWelcome)

	require.NoError(t, s.rooms.Teardown(context.Background(), "ABCDEF"))
	msg := next(t, a, TypeError)
	assert.Equal(t, collab.ErrRoomUnavailable.Error(), msg.Code)

	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestMissingRoomIDIsRejected(t *testing.T) {
	s := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	m := NewManager(NewHub(), nil, Options{})
	req := httptest.NewRequest(http.MethodGet, "/collab/ws", nil)
	assert.True(t, m.checkOrigin(req))

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, m.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, m.checkOrigin(req))

	for _, origin := range []string{
		"http://localhost.attacker.example",
		"http://localhost.attacker.example:5173",
		"http://127.0.0.1.nip.io",
		"ftp://localhost",
		"not a url",
	} {
		req.Header.Set("Origin", origin)
		assert.False(t, m.checkOrigin(req), origin)
	}

	pinned := NewManager(NewHub(), nil, Options{AllowedOrigins: []string{"https://app.example.com:8443"}})
	req.Header.Set("Origin", "https://APP.example.com:8443")
	assert.True(t, pinned.checkOrigin(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.False(t, pinned.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example")

	open := NewManager(NewHub(), nil, Options{AllowedOrigins: []string{"*"}})
	assert.True(t, open.checkOrigin(req))
}
