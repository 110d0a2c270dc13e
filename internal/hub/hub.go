// Package hub is the reference sync server: it accepts websocket clients,
// tracks channel membership, acknowledges joins and leaves, answers
// heartbeats, and fans realtime updates out to channel peers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/thef4tdaddy/chastityOS-sub001/internal/presence"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/realtime"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/store"
	"github.com/thef4tdaddy/chastityOS-sub001/internal/timer"
)

// Config holds hub connection settings.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Hub manages connected clients and their channel memberships.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	clock    clockwork.Clock
	store    store.Store

	mu       sync.RWMutex
	clients  map[*client]bool
	channels map[string]*channelState
}

// channelState is a channel's metadata plus its connected members.
type channelState struct {
	channel realtime.Channel
	members map[*client]bool
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// New creates a hub. A nil store disables server-side persistence of
// relayed state.
func New(config Config, clock clockwork.Clock, st store.Store) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		clock:    clock,
		store:    st,
		clients:  make(map[*client]bool),
		channels: make(map[string]*channelState),
	}
}

// Upgrade turns an HTTP request into a managed websocket client.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return err
	}

	c := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h,
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("user_id", userID).
		Msg("websocket connection established")
	return nil
}

// Stats reports connection and channel counts.
func (h *Hub) Stats() (clients int, channels int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.channels)
}

// Now returns the hub's authoritative time.
func (h *Hub) Now() time.Time {
	return h.clock.Now()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	for id, ch := range h.channels {
		if ch.members[c] {
			delete(ch.members, c)
			if len(ch.members) == 0 {
				delete(h.channels, id)
			}
		}
	}

	log.Info().
		Str("connection_id", c.id).
		Str("user_id", c.userID).
		Msg("websocket connection closed")
}

// handleMessage routes one inbound client frame.
func (h *Hub) handleMessage(c *client, data []byte) {
	msg, err := realtime.ParseMessage(data)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.id).Msg("undecodable client frame")
		return
	}

	switch msg := msg.(type) {
	case realtime.JoinChannelMessage:
		h.join(c, msg.ChannelID)

	case realtime.LeaveChannelMessage:
		h.leave(c, msg.ChannelID)

	case realtime.CreateChannelMessage:
		h.create(c, msg.Channel)

	case realtime.HeartbeatMessage:
		c.enqueue(realtime.HeartbeatAckMessage{
			Type:       realtime.MessageHeartbeatAck,
			ServerTime: h.clock.Now(),
		})

	case realtime.PublishUpdateMessage:
		h.persistUpdate(msg)
		h.fanOut(c, msg)

	default:
		log.Debug().Str("connection_id", c.id).Msg("ignoring client message of unknown type")
	}
}

func (h *Hub) join(c *client, channelID string) {
	h.mu.Lock()
	ch, ok := h.channels[channelID]
	if !ok {
		ch = &channelState{
			channel: realtime.Channel{
				ID:           channelID,
				Type:         realtime.ChannelTypeSystem,
				LastActivity: h.clock.Now(),
				IsActive:     true,
			},
			members: make(map[*client]bool),
		}
		h.channels[channelID] = ch
	}
	ch.members[c] = true
	ch.channel.LastActivity = h.clock.Now()
	ch.channel.Participants = appendUnique(ch.channel.Participants, c.userID)
	channel := ch.channel
	h.mu.Unlock()

	c.enqueue(realtime.ChannelJoinedMessage{
		Type:    realtime.MessageChannelJoined,
		Channel: channel,
	})
}

func (h *Hub) leave(c *client, channelID string) {
	h.mu.Lock()
	if ch, ok := h.channels[channelID]; ok {
		delete(ch.members, c)
		if len(ch.members) == 0 {
			delete(h.channels, channelID)
		}
	}
	h.mu.Unlock()

	c.enqueue(realtime.ChannelLeftMessage{
		Type:      realtime.MessageChannelLeft,
		ChannelID: channelID,
	})
}

func (h *Hub) create(c *client, channel realtime.Channel) {
	h.mu.Lock()
	if _, ok := h.channels[channel.ID]; !ok {
		h.channels[channel.ID] = &channelState{
			channel: channel,
			members: make(map[*client]bool),
		}
	}
	h.mu.Unlock()
}

// fanOut relays a publish_update to every other member of its channel as a
// realtime_update.
func (h *Hub) fanOut(from *client, msg realtime.PublishUpdateMessage) {
	h.mu.RLock()
	ch, ok := h.channels[msg.ChannelID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*client, 0, len(ch.members))
	for member := range ch.members {
		if member == from {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	update := realtime.RealtimeUpdateMessage{
		Type:      realtime.MessageRealtimeUpdate,
		ChannelID: msg.ChannelID,
		DataType:  msg.DataType,
		Payload:   msg.Payload,
		Timestamp: h.clock.Now(),
	}
	for _, target := range targets {
		target.enqueue(update)
	}

	log.Debug().
		Str("channel_id", msg.ChannelID).
		Str("data_type", msg.DataType).
		Int("peers", len(targets)).
		Msg("update fanned out")
}

// persistUpdate mirrors relayed timer and presence state into the hub's
// store. Failures are absorbed; the relay never blocks on persistence.
func (h *Hub) persistUpdate(msg realtime.PublishUpdateMessage) {
	if h.store == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		switch msg.DataType {
		case timer.DataTypeTimer:
			var t timer.LiveTimer
			if err := json.Unmarshal(msg.Payload, &t); err != nil {
				log.Warn().Err(err).Msg("undecodable relayed timer, not persisted")
				return
			}
			if err := h.store.SaveTimer(ctx, store.TimerRecord{
				ID:          t.ID,
				UserID:      t.UserID,
				Type:        string(t.Type),
				Status:      string(t.Status),
				Title:       t.Title,
				DurationSec: t.Duration,
				State:       msg.Payload,
				UpdatedAt:   t.LastUpdated,
			}); err != nil {
				log.Warn().Err(err).Str("timer_id", t.ID).Msg("failed to persist relayed timer")
			}

		case presence.DataTypePresence:
			var p presence.UserPresence
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				log.Warn().Err(err).Msg("undecodable relayed presence, not persisted")
				return
			}
			if err := h.store.SavePresence(ctx, store.PresenceRecord{
				UserID:          p.UserID,
				Status:          string(p.Status),
				LastSeen:        p.LastSeen,
				CustomMessage:   p.CustomMessage,
				CurrentActivity: p.CurrentActivity,
			}); err != nil {
				log.Warn().Err(err).Str("user_id", p.UserID).Msg("failed to persist relayed presence")
			}
		}
	}()
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// enqueue queues a message for the client; slow clients are disconnected.
// The send happens under the hub lock so it cannot race the channel close in
// unregister.
func (c *client) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal outbound message")
		return
	}

	c.hub.mu.RLock()
	registered := c.hub.clients[c]
	if registered {
		select {
		case c.send <- data:
			c.hub.mu.RUnlock()
			return
		default:
		}
	}
	c.hub.mu.RUnlock()

	if !registered {
		return
	}
	log.Warn().
		Str("connection_id", c.id).
		Str("user_id", c.userID).
		Msg("send buffer full, closing connection")
	c.hub.unregister(c)
	c.conn.Close()
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			break
		}
		c.hub.handleMessage(c, message)
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
