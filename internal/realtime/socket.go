package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/slidecast/internal/observability"
)

const (
	protocolVersion   = "1.0.0"
	topicPrefix       = "realtime:"
	phoenixTopic      = "phoenix"
	maxPayloadBytes   = 1 << 20
	sendBufferSize    = 64
	writeWait         = 10 * time.Second
	defaultHeartbeat  = 25 * time.Second
	defaultJoinWait   = 10 * time.Second
	eventJoin         = "phx_join"
	eventLeave        = "phx_leave"
	eventReply        = "phx_reply"
	eventError        = "phx_error"
	eventClose        = "phx_close"
	eventHeartbeat    = "heartbeat"
	eventChanges      = "postgres_changes"
	eventPresence     = "presence"
	eventPresenceSync = "presence_state"
	eventPresenceDiff = "presence_diff"
	eventSystem       = "system"
)

// SocketConfig configures a Socket.
type SocketConfig struct {
	// URL is the realtime WebSocket endpoint, for example
	// wss://<project>.supabase.co/realtime/v1/websocket.
	URL    string
	APIKey string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
	Tracer *observability.Tracer
}

// message is the Phoenix v1 frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Socket is a Client multiplexing channels over one WebSocket. The
// connection is dialled on the first join and redialled by the next join
// after it drops; a drop closes every channel on it.
type Socket struct {
	config SocketConfig
	logger *slog.Logger
	ref    atomic.Uint64

	mu       sync.Mutex
	conn     *connection
	channels map[string]*channel
	closed   bool
}

// connection is one dialled WebSocket with its write and heartbeat loops.
type connection struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	heartbeatMu  sync.Mutex
	heartbeatRef string
}

// NewSocket creates a socket. No connection is made until a channel joins.
func NewSocket(config SocketConfig) *Socket {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeat
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = defaultJoinWait
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		config:   config,
		logger:   logger.With("component", "realtime"),
		channels: make(map[string]*channel),
	}
}

// SubscribeRows joins topic with a postgres_changes configuration.
func (s *Socket) SubscribeRows(ctx context.Context, topic string, filter RowFilter) (Subscription, error) {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": ""},
			"postgres_changes": []RowFilter{filter},
		},
	}
	ch, err := s.join(ctx, topic, payload, nil)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// JoinPresence joins a presence channel under key and tracks meta once the
// join is confirmed.
func (s *Socket) JoinPresence(ctx context.Context, topic, key string, meta map[string]any) (PresenceSubscription, error) {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"self": false},
			"presence":         map[string]any{"key": key},
			"postgres_changes": []RowFilter{},
		},
	}
	track := map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": meta,
	}
	ch, err := s.join(ctx, topic, payload, track)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Close closes the connection. Open channels report CLOSED.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	s.failAll(conn, StatusClosed)
	return nil
}

func (s *Socket) join(ctx context.Context, topic string, payload, track map[string]any) (*channel, error) {
	ctx, span := s.config.Tracer.TraceJoin(ctx, topic)
	var err error
	defer func() { observability.End(span, err) }()

	var conn *connection
	conn, err = s.connect(ctx)
	if err != nil {
		return nil, err
	}

	ch := newChannel(s, conn, topicPrefix+topic, s.nextRef(), track)

	s.mu.Lock()
	previous := s.channels[ch.topic]
	s.channels[ch.topic] = ch
	s.mu.Unlock()
	if previous != nil {
		previous.fail(StatusClosed)
	}

	var raw json.RawMessage
	if payload != nil {
		payload["access_token"] = s.config.APIKey
		raw, err = json.Marshal(payload)
		if err != nil {
			s.remove(ch)
			return nil, fmt.Errorf("encode join: %w", err)
		}
	}
	ch.armJoinTimer(s.config.JoinTimeout)
	if err = s.push(conn, message{Topic: ch.topic, Event: eventJoin, Payload: raw, Ref: ch.joinRef}); err != nil {
		ch.fail(StatusChannelError)
		err = nil
	}
	return ch, nil
}

// connect returns the live connection, dialling a new one if needed.
func (s *Socket) connect(ctx context.Context) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSocketClosed
	}
	if s.conn != nil {
		select {
		case <-s.conn.done:
		default:
			return s.conn, nil
		}
	}

	endpoint, err := endpointURL(s.config.URL, s.config.APIKey)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if s.config.APIKey != "" {
		header.Set("apikey", s.config.APIKey)
	}
	ws, _, err := s.config.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	ws.SetReadLimit(maxPayloadBytes)

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.conn = conn
	go s.writeLoop(conn)
	go s.readLoop(conn)
	go s.heartbeatLoop(conn)
	s.logger.Debug("realtime connected", "url", s.config.URL)
	return conn, nil
}

func endpointURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) push(conn *connection, msg message) error {
	if msg.Payload == nil {
		msg.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-conn.done:
		return ErrSocketClosed
	default:
	}
	select {
	case conn.send <- data:
		return nil
	default:
		return fmt.Errorf("realtime: send buffer full")
	}
}

func (s *Socket) writeLoop(conn *connection) {
	for {
		select {
		case <-conn.done:
			return
		case data := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("realtime write failed", "error", err)
				conn.close()
				return
			}
		}
	}
}

func (s *Socket) heartbeatLoop(conn *connection) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			conn.heartbeatMu.Lock()
			pending := conn.heartbeatRef
			ref := s.nextRef()
			conn.heartbeatRef = ref
			conn.heartbeatMu.Unlock()

			if pending != "" {
				s.logger.Warn("realtime heartbeat timeout")
				conn.close()
				return
			}
			if err := s.push(conn, message{Topic: phoenixTopic, Event: eventHeartbeat, Ref: ref}); err != nil {
				s.logger.Debug("heartbeat not sent", "error", err)
			}
		}
	}
}

func (s *Socket) readLoop(conn *connection) {
	defer func() {
		conn.close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		s.failAll(conn, StatusClosed)
	}()

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.done:
			default:
				s.logger.Warn("realtime connection dropped", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid realtime frame", "error", err)
			continue
		}
		s.dispatch(conn, msg)
	}
}

func (s *Socket) dispatch(conn *connection, msg message) {
	if msg.Topic == phoenixTopic {
		if msg.Event == eventReply {
			conn.heartbeatMu.Lock()
			if msg.Ref == conn.heartbeatRef {
				conn.heartbeatRef = ""
			}
			conn.heartbeatMu.Unlock()
		}
		return
	}

	s.mu.Lock()
	ch := s.channels[msg.Topic]
	s.mu.Unlock()
	if ch == nil || ch.conn != conn {
		return
	}

	switch msg.Event {
	case eventReply:
		if msg.Ref != ch.joinRef {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Status != "ok" {
			s.logger.Warn("realtime join rejected", "topic", msg.Topic, "response", string(reply.Response))
			ch.fail(StatusChannelError)
			return
		}
		ch.subscribed()
	case eventError:
		ch.fail(StatusChannelError)
	case eventClose:
		ch.fail(StatusClosed)
	case eventSystem:
		var system struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Payload, &system); err == nil && system.Status == "error" {
			s.logger.Warn("realtime system error", "topic", msg.Topic, "message", system.Message)
			ch.fail(StatusChannelError)
		}
	case eventChanges:
		var change struct {
			Data RowUpdate `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			s.logger.Debug("invalid change payload", "topic", msg.Topic, "error", err)
			return
		}
		ch.deliverUpdate(change.Data)
	case eventPresenceSync:
		state, err := decodePresenceState(msg.Payload)
		if err != nil {
			s.logger.Debug("invalid presence state", "topic", msg.Topic, "error", err)
			return
		}
		ch.replacePresence(state)
	case eventPresenceDiff:
		var diff presenceDiff
		if err := json.Unmarshal(msg.Payload, &diff); err != nil {
			s.logger.Debug("invalid presence diff", "topic", msg.Topic, "error", err)
			return
		}
		ch.applyPresenceDiff(diff)
	}
}

// failAll fails every channel bound to conn. A nil conn matches all.
func (s *Socket) failAll(conn *connection, status Status) {
	s.mu.Lock()
	var affected []*channel
	for _, ch := range s.channels {
		if conn == nil || ch.conn == conn {
			affected = append(affected, ch)
		}
	}
	s.mu.Unlock()
	for _, ch := range affected {
		ch.fail(status)
	}
}

func (s *Socket) remove(ch *channel) {
	s.mu.Lock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	s.mu.Unlock()
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
