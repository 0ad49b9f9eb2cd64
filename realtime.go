package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// PhoenixMessage is the wire format of every realtime frame.
type PhoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// PhoenixReply is the payload of a phx_reply frame.
type PhoenixReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// PostChange is one row change pushed for the post table.
type PostChange struct {
	Type      string          `json:"type"` // INSERT, UPDATE or DELETE
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

type changesPayload struct {
	Data PostChange `json:"data"`
}

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Schema               string // default "public"
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onInserted     []func(Post)
	onDeleted      []func(string)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func (d *eventDispatcher) dispatch(change PostChange, logger *slog.Logger) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch change.Type {
	case "INSERT":
		var p Post
		if err := json.Unmarshal(change.Record, &p); err != nil {
			logger.Warn("undecodable realtime record", "error", err)
			return
		}
		for _, h := range d.onInserted {
			go h(p)
		}
	case "DELETE":
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(change.OldRecord, &old); err != nil {
			logger.Warn("undecodable realtime old record", "error", err)
			return
		}
		for _, h := range d.onDeleted {
			go h(old.ID)
		}
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter. A connection that stayed up
// for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient subscribes to row changes of the post table over the
// service's Phoenix-channel WebSocket, with heartbeat and auto-reconnect.
type RealtimeClient struct {
	client *Client
	config *RealtimeConfig
	topic  string

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	refCounter       int

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan PhoenixReply
}

// NewRealtimeClient creates a realtime client that authenticates like client.
func NewRealtimeClient(client *Client, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		client:     client,
		config:     &cfg,
		topic:      "realtime:" + cfg.Schema + ":" + client.table,
		state:      StateDisconnected,
		dispatcher: &eventDispatcher{},
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan PhoenixReply),
	}
}

// OnPostInserted registers a handler for new posts.
func (rt *RealtimeClient) OnPostInserted(h func(Post)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onInserted = append(rt.dispatcher.onInserted, h)
	rt.dispatcher.mu.Unlock()
}

// OnPostDeleted registers a handler for deleted posts.
func (rt *RealtimeClient) OnPostDeleted(h func(id string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDeleted = append(rt.dispatcher.onDeleted, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *RealtimeClient) setState(s RealtimeState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

func (rt *RealtimeClient) nextRef() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.refCounter++
	return strconv.Itoa(rt.refCounter)
}

func (rt *RealtimeClient) socketURL() string {
	u := strings.Replace(rt.client.BaseURL(), "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("apikey", rt.client.anonKey)
	q.Set("vsn", "1.0.0")
	return u + "/realtime/v1/websocket?" + q.Encode()
}

func (rt *RealtimeClient) joinPayload() map[string]any {
	token := rt.client.token()
	if token == "" {
		token = rt.client.anonKey
	}
	return map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": rt.config.Schema, "table": rt.client.table},
			},
		},
		"access_token": token,
	}
}

// Connect dials the socket and joins the post table channel. ctx bounds the
// lifetime of the connection, not only the handshake.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.socketURL(), nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := rt.join(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.config.Logger.Info("realtime connected", "topic", rt.topic)
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx)
	return nil
}

// join sends phx_join and waits for its reply before any other reader runs.
func (rt *RealtimeClient) join(ctx context.Context, conn *websocket.Conn) error {
	ref := rt.nextRef()
	payload, err := json.Marshal(rt.joinPayload())
	if err != nil {
		return err
	}
	if err := writeMessage(ctx, conn, PhoenixMessage{Topic: rt.topic, Event: eventJoin, Payload: payload, Ref: &ref}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read join reply: %w", err)
		}
		var msg PhoenixMessage
		if json.Unmarshal(data, &msg) != nil || msg.Event != eventReply || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply PhoenixReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s %s", rt.topic, reply.Status, string(reply.Response))
		}
		return nil
	}
}

// Disconnect leaves the channel and closes the connection.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	cancel := rt.cancelFn
	rt.cancelFn = nil
	rt.mu.Unlock()

	rt.clearPending()

	if conn == nil {
		if cancel != nil {
			cancel()
		}
		return nil
	}

	ref := rt.nextRef()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	_ = writeMessage(ctx, conn, PhoenixMessage{Topic: rt.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: &ref})
	done()
	if cancel != nil {
		cancel()
	}

	rt.dispatcher.emitDisconnected("client disconnect")
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg PhoenixMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends msg and waits for the reply carrying the same ref.
func (rt *RealtimeClient) request(ctx context.Context, msg PhoenixMessage) (*PhoenixReply, error) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return nil, errors.New("not connected")
	}

	ref := rt.nextRef()
	msg.Ref = &ref
	ch := make(chan PhoenixReply, 1)
	rt.pendingMu.Lock()
	rt.pending[ref] = ch
	rt.pendingMu.Unlock()

	drop := func() {
		rt.pendingMu.Lock()
		delete(rt.pending, ref)
		rt.pendingMu.Unlock()
	}

	if err := writeMessage(ctx, conn, msg); err != nil {
		drop()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return &reply, nil
	case <-time.After(rt.config.HeartbeatTimeout):
		drop()
		return nil, errors.New("reply timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			if !intentional {
				rt.state = StateDisconnected
				rt.conn = nil
			}
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.clearPending()
			rt.config.Logger.Warn("realtime connection lost", "error", err)
			rt.dispatcher.emitDisconnected(err.Error())

			if rt.config.AutoReconnect && ctx.Err() == nil {
				rt.reconnect(ctx)
			}
			return
		}

		var msg PhoenixMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		switch msg.Event {
		case eventReply:
			if msg.Ref == nil {
				continue
			}
			var reply PhoenixReply
			if json.Unmarshal(msg.Payload, &reply) != nil {
				continue
			}
			rt.pendingMu.Lock()
			ch, ok := rt.pending[*msg.Ref]
			if ok {
				delete(rt.pending, *msg.Ref)
			}
			rt.pendingMu.Unlock()
			if ok {
				ch <- reply
			}
		case eventChanges:
			var p changesPayload
			if json.Unmarshal(msg.Payload, &p) == nil {
				rt.dispatcher.dispatch(p.Data, rt.config.Logger)
			}
		case eventError, eventClose:
			if msg.Topic == rt.topic {
				rt.config.Logger.Warn("realtime channel closed by server", "event", msg.Event)
				conn.Close(websocket.StatusGoingAway, "channel closed")
			}
		}
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.State() != StateConnected {
				return
			}
			_, err := rt.request(ctx, PhoenixMessage{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`)})
			if err != nil {
				// Heartbeat failed; closing makes readLoop reconnect.
				rt.mu.Lock()
				conn := rt.conn
				rt.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rt *RealtimeClient) reconnect(ctx context.Context) {
	for rt.recon.shouldReconnect() {
		delay := rt.recon.nextDelay()
		rt.setState(StateReconnecting)
		rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

		select {
		case <-ctx.Done():
			rt.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}

		rt.mu.Lock()
		stop := rt.intentionalClose
		rt.mu.Unlock()
		if stop {
			return
		}

		err := rt.Connect(ctx)
		if err == nil {
			return
		}
		rt.config.Logger.Warn("realtime reconnect failed", "attempt", rt.recon.attempt, "error", err)
	}
	rt.setState(StateDisconnected)
}

func (rt *RealtimeClient) clearPending() {
	rt.pendingMu.Lock()
	for k, ch := range rt.pending {
		close(ch)
		delete(rt.pending, k)
	}
	rt.pendingMu.Unlock()
}

// ============================================================================
// RealtimeSignal
// ============================================================================

// RealtimeSignal reports the device online while the realtime connection is
// up. Reconnecting counts as offline.
type RealtimeSignal struct {
	*ManualSignal
	mu sync.Mutex
}

// NewRealtimeSignal derives a NetworkSignal from rt's connection state.
//
// Connection events are delivered on their own goroutines and may run out
// of order, so each one re-reads the client state instead of trusting the
// event kind. The last handler to run always sees the final state.
func NewRealtimeSignal(rt *RealtimeClient) *RealtimeSignal {
	s := &RealtimeSignal{ManualSignal: NewManualSignal(rt.State() == StateConnected)}
	refresh := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Set(rt.State() == StateConnected)
	}
	rt.OnConnected(refresh)
	rt.OnDisconnected(func(string) { refresh() })
	return s
}
