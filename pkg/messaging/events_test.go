package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLAEvent(t *testing.T) {
	t.Run("should encode exactly incidentId and kind", func(t *testing.T) {
		body, err := SLAEvent{IncidentID: "inc-1", Kind: "ack"}.Encode()

		require.NoError(t, err)
		assert.JSONEq(t, `{"incidentId":"inc-1","kind":"ack"}`, string(body))
	})

	t.Run("should decode a firing body", func(t *testing.T) {
		ev, err := DecodeSLAEvent([]byte(`{"incidentId":"inc-2","kind":"resolve"}`))

		require.NoError(t, err)
		assert.Equal(t, SLAEvent{IncidentID: "inc-2", Kind: "resolve"}, ev)
	})

	t.Run("should reject malformed bodies", func(t *testing.T) {
		_, err := DecodeSLAEvent([]byte(`{"incidentId":`))
		assert.Error(t, err)
	})
}

func TestFiringHeader(t *testing.T) {
	h := FiringHeader("timer-9", "node-a")

	assert.Equal(t, "timer-9", h.Get(HeaderMsgID))
	assert.Equal(t, "timer-9", h.Get(HeaderTimerID))
	assert.Equal(t, "node-a", h.Get(HeaderOrigin))
	assert.Equal(t, "", FiringHeader("timer-9", "").Get(HeaderOrigin))
}

func TestRoomSubject(t *testing.T) {
	tests := []struct {
		incidentID string
		want       string
	}{
		{"inc-1", "rooms.inc-1"},
		{"a.b", "rooms.a_b"},
		{"x>*y z", "rooms.x__y_z"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RoomSubject(DefaultRoomSubjectPrefix, tt.incidentID))
	}
	assert.Equal(t, "rooms.>", RoomWildcard(DefaultRoomSubjectPrefix))
}
