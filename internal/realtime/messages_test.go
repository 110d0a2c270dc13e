package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageKnownTypes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want any
	}{
		{
			name: "channel joined",
			raw:  `{"type":"channel_joined","channel":{"id":"ch1","channel_type":"session"}}`,
			want: ChannelJoinedMessage{},
		},
		{
			name: "channel left",
			raw:  `{"type":"channel_left","channel_id":"ch1"}`,
			want: ChannelLeftMessage{},
		},
		{
			name: "realtime update",
			raw:  `{"type":"realtime_update","channel_id":"ch1","data_type":"timer","payload":{"id":"t1"}}`,
			want: RealtimeUpdateMessage{},
		},
		{
			name: "heartbeat ack",
			raw:  `{"type":"heartbeat_ack","server_time":"2026-01-02T15:04:05Z"}`,
			want: HeartbeatAckMessage{},
		},
		{
			name: "join channel",
			raw:  `{"type":"join_channel","channel_id":"ch1","user_id":"u1"}`,
			want: JoinChannelMessage{},
		},
		{
			name: "publish update",
			raw:  `{"type":"publish_update","data_type":"presence","payload":{}}`,
			want: PublishUpdateMessage{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.raw))
			require.NoError(t, err)
			assert.IsType(t, tc.want, msg)
		})
	}
}

func TestParseMessageFieldDecoding(t *testing.T) {
	raw := `{"type":"realtime_update","channel_id":"ch7","data_type":"timer","payload":{"elapsed":60}}`

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	update, ok := msg.(RealtimeUpdateMessage)
	require.True(t, ok)
	assert.Equal(t, "ch7", update.ChannelID)
	assert.Equal(t, "timer", update.DataType)
	assert.JSONEq(t, `{"elapsed":60}`, string(update.Payload))
}

func TestParseMessageUnknownTypeIgnored(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"future_thing","whatever":1}`))
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestParseMessageInvalidJSON(t *testing.T) {
	_, err := ParseMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := HeartbeatMessage{Type: MessageHeartbeat, UserID: "u1"}
	data, err := json.Marshal(hb)
	require.NoError(t, err)

	msg, err := ParseMessage(data)
	require.NoError(t, err)
	got, ok := msg.(HeartbeatMessage)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
}
