package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventIsFlatRecord(t *testing.T) {
	ch := ChangeEvent{ID: "e1", RoomID: "ABCDEF", ParticipantID: "u1", Start: 0, End: 5, InsertedText: "hello", RemovedText: "world"}
	b, err := json.Marshal(ch)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for k, v := range fields {
		_, nested := v.(map[string]any)
		assert.Falsef(t, nested, "field %s should not be nested", k)
	}
	assert.Equal(t, "u1", fields["participantId"])
	assert.EqualValues(t, 5, fields["end"])
}

func TestEnvelopeRoundTripKeepsCursorPayload(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := Envelope{Node: "n1", RoomID: "ABCDEF", Presence: &PresenceEvent{
		ID: "p1", Kind: KindCursorMove, RoomID: "ABCDEF", ParticipantID: "u1", OccurredAt: at,
		Cursor: &CursorPayload{Line: 0, Column: 7},
	}}
	b, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Presence)
	require.NotNil(t, got.Presence.Cursor)
	assert.Equal(t, 0, got.Presence.Cursor.Line)
	assert.Equal(t, 7, got.Presence.Cursor.Column)
	assert.Nil(t, got.Presence.Join)
	assert.Nil(t, got.Change)
}

func TestEnvelopeValidate(t *testing.T) {
	_, err := Encode(Envelope{RoomID: "r"})
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	_, err = Encode(Envelope{RoomID: "r", Change: &ChangeEvent{}, Presence: &PresenceEvent{Kind: KindJoin}})
	assert.Error(t, err)

	_, err = Decode([]byte(`{"roomId":"r","presence":{"kind":"WAVE"}}`))
	assert.Error(t, err)
}
