package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/presence"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/timer"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(DefaultConfig(), nil, nil)
	srv := httptest.NewServer(NewHandler(h).Mux())
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// read decodes the next frame, failing the test after a timeout.
func read(t *testing.T, ws *websocket.Conn) any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := realtime.ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func TestWSRequiresUserID(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinIsAcknowledged(t *testing.T) {
	h, srv := startHub(t)
	ws := dial(t, srv, "alice")

	send(t, ws, realtime.JoinChannelMessage{
		Type:      realtime.MessageJoinChannel,
		ChannelID: "session_1",
		UserID:    "alice",
	})

	msg := read(t, ws)
	ack, ok := msg.(realtime.ChannelJoinedMessage)
	require.True(t, ok, "expected channel_joined, got %T", msg)
	assert.Equal(t, "session_1", ack.Channel.ID)
	assert.Contains(t, ack.Channel.Participants, "alice")

	require.Eventually(t, func() bool {
		clients, channels := h.Stats()
		return clients == 1 && channels == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaveIsAcknowledged(t *testing.T) {
	h, srv := startHub(t)
	ws := dial(t, srv, "alice")

	send(t, ws, realtime.JoinChannelMessage{Type: realtime.MessageJoinChannel, ChannelID: "session_1", UserID: "alice"})
	read(t, ws) // join ack

	send(t, ws, realtime.LeaveChannelMessage{Type: realtime.MessageLeaveChannel, ChannelID: "session_1", UserID: "alice"})
	msg := read(t, ws)
	ack, ok := msg.(realtime.ChannelLeftMessage)
	require.True(t, ok, "expected channel_left, got %T", msg)
	assert.Equal(t, "session_1", ack.ChannelID)

	require.Eventually(t, func() bool {
		_, channels := h.Stats()
		return channels == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeatAnswered(t *testing.T) {
	_, srv := startHub(t)
	ws := dial(t, srv, "alice")

	send(t, ws, realtime.HeartbeatMessage{Type: realtime.MessageHeartbeat, UserID: "alice"})

	msg := read(t, ws)
	ack, ok := msg.(realtime.HeartbeatAckMessage)
	require.True(t, ok, "expected heartbeat_ack, got %T", msg)
	assert.False(t, ack.ServerTime.IsZero())
}

func TestUpdateFannedOutToPeersOnly(t *testing.T) {
	_, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	for _, ws := range []*websocket.Conn{alice, bob} {
		send(t, ws, realtime.JoinChannelMessage{Type: realtime.MessageJoinChannel, ChannelID: "session_1"})
		read(t, ws) // join ack
	}

	send(t, alice, realtime.PublishUpdateMessage{
		Type:      realtime.MessagePublishUpdate,
		ChannelID: "session_1",
		DataType:  "timer",
		Payload:   json.RawMessage(`{"id":"t1","status":"running"}`),
	})

	msg := read(t, bob)
	update, ok := msg.(realtime.RealtimeUpdateMessage)
	require.True(t, ok, "expected realtime_update, got %T", msg)
	assert.Equal(t, "session_1", update.ChannelID)
	assert.Equal(t, "timer", update.DataType)
	assert.JSONEq(t, `{"id":"t1","status":"running"}`, string(update.Payload))
	assert.False(t, update.Timestamp.IsZero())

	// the sender must not receive its own update back
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
}

func TestUpdateToUnknownChannelDropped(t *testing.T) {
	_, srv := startHub(t)
	alice := dial(t, srv, "alice")

	send(t, alice, realtime.PublishUpdateMessage{
		Type:      realtime.MessagePublishUpdate,
		ChannelID: "nope",
		DataType:  "timer",
		Payload:   json.RawMessage(`{}`),
	})

	// still responsive afterwards
	send(t, alice, realtime.HeartbeatMessage{Type: realtime.MessageHeartbeat})
	msg := read(t, alice)
	_, ok := msg.(realtime.HeartbeatAckMessage)
	assert.True(t, ok)
}

func TestTimeEndpoint(t *testing.T) {
	_, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/time")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ServerTime time.Time `json:"server_time"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.WithinDuration(t, time.Now(), body.ServerTime, 5*time.Second)
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := startHub(t)
	dial(t, srv, "alice")

	var body map[string]int
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body["total_connections"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, body["active_channels"])
}

func TestRelayedUpdatesPersisted(t *testing.T) {
	mem := store.NewMemoryStore()
	h := New(DefaultConfig(), nil, mem)
	srv := httptest.NewServer(NewHandler(h).Mux())
	t.Cleanup(srv.Close)

	ws := dial(t, srv, "sub1")
	send(t, ws, realtime.JoinChannelMessage{Type: realtime.MessageJoinChannel, ChannelID: "session_1"})
	read(t, ws)

	send(t, ws, realtime.PublishUpdateMessage{
		Type:      realtime.MessagePublishUpdate,
		ChannelID: "session_1",
		DataType:  timer.DataTypeTimer,
		Payload:   json.RawMessage(`{"id":"t1","user_id":"sub1","timer_type":"session","status":"running","title":"session","duration":300}`),
	})
	send(t, ws, realtime.PublishUpdateMessage{
		Type:      realtime.MessagePublishUpdate,
		ChannelID: "session_1",
		DataType:  presence.DataTypePresence,
		Payload:   json.RawMessage(`{"user_id":"sub1","status":"in_session"}`),
	})

	require.Eventually(t, func() bool {
		_, ok := mem.Timer("t1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	rec, _ := mem.Timer("t1")
	assert.Equal(t, "running", rec.Status)
	assert.Equal(t, int64(300), rec.DurationSec)

	require.Eventually(t, func() bool {
		recs, err := mem.FetchPresences(context.Background(), []string{"sub1"})
		return err == nil && len(recs) == 1 && recs[0].Status == "in_session"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFanOutSurvivesDisconnectingPeer(t *testing.T) {
	_, srv := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	for _, ws := range []*websocket.Conn{alice, bob} {
		send(t, ws, realtime.JoinChannelMessage{Type: realtime.MessageJoinChannel, ChannelID: "session_1"})
		read(t, ws)
	}

	// bob goes away without reading while alice floods the channel, racing
	// delivery against bob's teardown
	bob.Close()
	for i := 0; i < 200; i++ {
		send(t, alice, realtime.PublishUpdateMessage{
			Type:      realtime.MessagePublishUpdate,
			ChannelID: "session_1",
			DataType:  "timer",
			Payload:   json.RawMessage(`{"id":"t1"}`),
		})
	}

	// the hub is still healthy for alice
	send(t, alice, realtime.HeartbeatMessage{Type: realtime.MessageHeartbeat})
	msg := read(t, alice)
	_, ok := msg.(realtime.HeartbeatAckMessage)
	assert.True(t, ok)
}

func TestDisconnectPrunesMembership(t *testing.T) {
	h, srv := startHub(t)
	ws := dial(t, srv, "alice")

	send(t, ws, realtime.JoinChannelMessage{Type: realtime.MessageJoinChannel, ChannelID: "session_1"})
	read(t, ws)
	ws.Close()

	require.Eventually(t, func() bool {
		clients, channels := h.Stats()
		return clients == 0 && channels == 0
	}, 2*time.Second, 5*time.Millisecond)
}
