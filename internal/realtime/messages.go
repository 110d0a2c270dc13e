package realtime

import (
	"encoding/json"
	"time"
)

// MessageType tags every JSON envelope exchanged over the transport.
type MessageType string

// Inbound message types.
const (
	MessageChannelJoined  MessageType = "channel_joined"
	MessageChannelLeft    MessageType = "channel_left"
	MessageRealtimeUpdate MessageType = "realtime_update"
	MessageHeartbeatAck   MessageType = "heartbeat_ack"
)

// Outbound message types.
const (
	MessageJoinChannel   MessageType = "join_channel"
	MessageLeaveChannel  MessageType = "leave_channel"
	MessageCreateChannel MessageType = "create_channel"
	MessageHeartbeat     MessageType = "heartbeat"
	MessagePublishUpdate MessageType = "publish_update"
)

// ChannelType describes what a channel is scoped to.
type ChannelType string

const (
	ChannelTypeUser         ChannelType = "user"
	ChannelTypeRelationship ChannelType = "relationship"
	ChannelTypeSession      ChannelType = "session"
	ChannelTypeTask         ChannelType = "task"
	ChannelTypeNotification ChannelType = "notification"
	ChannelTypeSystem       ChannelType = "system"
)

// Channel is a multiplexed pub/sub scope shared by participants over one
// connection.
type Channel struct {
	ID                string      `json:"id"`
	Type              ChannelType `json:"channel_type"`
	Participants      []string    `json:"participants"`
	LastActivity      time.Time   `json:"last_activity"`
	IsActive          bool        `json:"is_active"`
	EncryptionEnabled bool        `json:"encryption_enabled"`
}

// ChannelJoinedMessage acknowledges channel membership.
type ChannelJoinedMessage struct {
	Type    MessageType `json:"type"`
	Channel Channel     `json:"channel"`
}

// ChannelLeftMessage acknowledges channel departure.
type ChannelLeftMessage struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
}

// RealtimeUpdateMessage carries a data update fanned out to subscribers.
type RealtimeUpdateMessage struct {
	Type      MessageType     `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	DataType  string          `json:"data_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// HeartbeatAckMessage is the server's reply to a heartbeat.
type HeartbeatAckMessage struct {
	Type       MessageType `json:"type"`
	ServerTime time.Time   `json:"server_time"`
}

// JoinChannelMessage requests channel membership.
type JoinChannelMessage struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
	UserID    string      `json:"user_id"`
}

// LeaveChannelMessage requests channel departure.
type LeaveChannelMessage struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
	UserID    string      `json:"user_id"`
}

// CreateChannelMessage announces a newly created channel.
type CreateChannelMessage struct {
	Type    MessageType `json:"type"`
	Channel Channel     `json:"channel"`
	UserID  string      `json:"user_id"`
}

// HeartbeatMessage is the periodic keep-alive.
type HeartbeatMessage struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PublishUpdateMessage pushes a local state change to channel peers.
type PublishUpdateMessage struct {
	Type      MessageType     `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	DataType  string          `json:"data_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// envelope is the minimal shape decoded first to learn the message type.
type envelope struct {
	Type MessageType `json:"type"`
}

// ParseMessage decodes a raw frame into its typed message. Unknown types
// return (nil, nil) so callers can ignore them for forward compatibility.
func ParseMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case MessageChannelJoined:
		var msg ChannelJoinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageChannelLeft:
		var msg ChannelLeftMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageRealtimeUpdate:
		var msg RealtimeUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageHeartbeatAck:
		var msg HeartbeatAckMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageJoinChannel:
		var msg JoinChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageLeaveChannel:
		var msg LeaveChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageCreateChannel:
		var msg CreateChannelMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessageHeartbeat:
		var msg HeartbeatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	case MessagePublishUpdate:
		var msg PublishUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil

	default:
		return nil, nil // unknown type, ignored
	}
}
