package hub_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/hub"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/timer"
)

// testClient is one full client stack connected to a hub.
type testClient struct {
	manager *realtime.ConnectionManager
	mux     *realtime.ChannelMultiplexer
}

func newTestClient(t *testing.T, srv *httptest.Server, userID string) *testClient {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	manager := realtime.NewConnectionManager(
		realtime.NewWebSocketDialer(wsURL), userID, realtime.DefaultConnectionConfig(), nil)
	mux := realtime.NewChannelMultiplexer(manager, realtime.NewSubscriptionRegistry(), userID, nil)
	manager.OnMessage(mux.HandleMessage)

	require.NoError(t, manager.Connect(context.Background()))
	t.Cleanup(manager.Disconnect)

	return &testClient{manager: manager, mux: mux}
}

func (c *testClient) waitJoined(t *testing.T, channelID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := c.mux.Channel(channelID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientStacksExchangeUpdates(t *testing.T) {
	h := hub.New(hub.DefaultConfig(), nil, nil)
	srv := httptest.NewServer(hub.NewHandler(h).Mux())
	defer srv.Close()

	sub := newTestClient(t, srv, "sub1")
	keyholder := newTestClient(t, srv, "kh1")

	created, err := sub.mux.CreateChannel(realtime.ChannelTypeSession, []string{"sub1", "kh1"}, false)
	require.NoError(t, err)
	sub.waitJoined(t, created.ID)

	require.NoError(t, keyholder.mux.JoinChannel(created.ID))
	keyholder.waitJoined(t, created.ID)

	var got []realtime.RealtimeUpdateMessage
	done := make(chan struct{})
	keyholder.mux.SubscribeUpdates(timer.DataTypeTimer, func(data any) {
		got = append(got, data.(realtime.RealtimeUpdateMessage))
		close(done)
	})

	require.NoError(t, sub.mux.PublishUpdate(created.ID, timer.DataTypeTimer,
		json.RawMessage(`{"id":"t1","status":"running","elapsed":60}`)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keyholder never received the update")
	}

	require.Len(t, got, 1)
	assert.Equal(t, created.ID, got[0].ChannelID)
	assert.JSONEq(t, `{"id":"t1","status":"running","elapsed":60}`, string(got[0].Payload))

	latest, ok := keyholder.mux.LatestUpdate(timer.DataTypeTimer)
	require.True(t, ok)
	assert.Equal(t, created.ID, latest.ChannelID)
}

func TestServerTimeSourceAgainstHub(t *testing.T) {
	h := hub.New(hub.DefaultConfig(), nil, nil)
	srv := httptest.NewServer(hub.NewHandler(h).Mux())
	defer srv.Close()

	source := timer.NewHTTPTimeSource(srv.URL)
	serverTime, err := source.ServerTime(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), serverTime, 5*time.Second)
}
