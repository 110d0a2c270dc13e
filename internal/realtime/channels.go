package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// updateKey is the subscription key for a realtime update data type.
func updateKey(dataType string) string {
	return "update:" + dataType
}

// ChannelMultiplexer routes channel control and realtime updates over the
// shared connection. Channel membership is eventually consistent: the local
// registry only changes when the server acknowledges with channel_joined or
// channel_left.
type ChannelMultiplexer struct {
	sender   Sender
	registry *SubscriptionRegistry
	userID   string
	clock    clockwork.Clock

	mu       sync.RWMutex
	channels map[string]Channel
	latest   map[string]RealtimeUpdateMessage
}

// NewChannelMultiplexer creates a multiplexer and registers nothing: wire it
// to a connection manager with OnMessage(mux.HandleMessage).
func NewChannelMultiplexer(sender Sender, registry *SubscriptionRegistry, userID string, clock clockwork.Clock) *ChannelMultiplexer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChannelMultiplexer{
		sender:   sender,
		registry: registry,
		userID:   userID,
		clock:    clock,
		channels: make(map[string]Channel),
		latest:   make(map[string]RealtimeUpdateMessage),
	}
}

// JoinChannel requests membership. The channel becomes active locally once
// the channel_joined acknowledgment arrives.
func (m *ChannelMultiplexer) JoinChannel(channelID string) error {
	return m.sender.Send(JoinChannelMessage{
		Type:      MessageJoinChannel,
		ChannelID: channelID,
		UserID:    m.userID,
	})
}

// LeaveChannel requests departure; removal is ack-based like joining.
func (m *ChannelMultiplexer) LeaveChannel(channelID string) error {
	return m.sender.Send(LeaveChannelMessage{
		Type:      MessageLeaveChannel,
		ChannelID: channelID,
		UserID:    m.userID,
	})
}

// CreateChannel builds a channel with a generated id, announces it, and
// immediately requests to join it. The id embeds the type, a millisecond
// timestamp, and a random suffix; collisions are negligible without global
// coordination.
func (m *ChannelMultiplexer) CreateChannel(channelType ChannelType, participants []string, encrypted bool) (Channel, error) {
	ch := Channel{
		ID:                m.generateChannelID(channelType),
		Type:              channelType,
		Participants:      participants,
		LastActivity:      m.clock.Now(),
		IsActive:          true,
		EncryptionEnabled: encrypted,
	}

	if err := m.sender.Send(CreateChannelMessage{
		Type:    MessageCreateChannel,
		Channel: ch,
		UserID:  m.userID,
	}); err != nil {
		return Channel{}, fmt.Errorf("announce channel: %w", err)
	}
	if err := m.JoinChannel(ch.ID); err != nil {
		return Channel{}, fmt.Errorf("join created channel: %w", err)
	}
	return ch, nil
}

// PublishUpdate pushes a local state change to the peers of a channel.
func (m *ChannelMultiplexer) PublishUpdate(channelID, dataType string, payload json.RawMessage) error {
	return m.sender.Send(PublishUpdateMessage{
		Type:      MessagePublishUpdate,
		ChannelID: channelID,
		DataType:  dataType,
		Payload:   payload,
		Timestamp: m.clock.Now(),
	})
}

// SubscribeUpdates registers a callback for inbound realtime updates of a
// data type. The callback receives a RealtimeUpdateMessage.
func (m *ChannelMultiplexer) SubscribeUpdates(dataType string, fn Callback) *Subscription {
	return m.registry.Subscribe(updateKey(dataType), fn)
}

// ActiveChannels returns a snapshot of acknowledged channels, ordered by id.
func (m *ChannelMultiplexer) ActiveChannels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Channel looks up an acknowledged channel by id.
func (m *ChannelMultiplexer) Channel(channelID string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	return ch, ok
}

// LatestUpdate returns the most recent realtime update seen for a data type.
func (m *ChannelMultiplexer) LatestUpdate(dataType string) (RealtimeUpdateMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	upd, ok := m.latest[dataType]
	return upd, ok
}

// HandleMessage dispatches an inbound message by type. Unknown or irrelevant
// types are ignored.
func (m *ChannelMultiplexer) HandleMessage(msg any) {
	switch msg := msg.(type) {
	case ChannelJoinedMessage:
		m.mu.Lock()
		m.channels[msg.Channel.ID] = msg.Channel
		m.mu.Unlock()
		log.Debug().Str("channel_id", msg.Channel.ID).Msg("channel joined")

	case ChannelLeftMessage:
		m.mu.Lock()
		delete(m.channels, msg.ChannelID)
		m.mu.Unlock()
		log.Debug().Str("channel_id", msg.ChannelID).Msg("channel left")

	case RealtimeUpdateMessage:
		m.mu.Lock()
		m.latest[msg.DataType] = msg
		m.mu.Unlock()
		m.registry.Publish(updateKey(msg.DataType), msg)
	}
}

func (m *ChannelMultiplexer) generateChannelID(channelType ChannelType) string {
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%s_%d_%s", channelType, m.clock.Now().UnixMilli(), suffix)
}
