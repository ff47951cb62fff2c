package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Pusher protocol events handled by the connection itself.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventSubscriptionError     = "pusher:subscription_error"
)

const protocolVersion = "7"

// PushFrame is the wire format for every frame on the push connection.
// Data arrives either as an object or as a JSON-encoded string.
type PushFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// PushError is reported by the server in a pusher:error frame.
type PushError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push error %d: %s", e.Code, e.Message)
}

// unwrapData returns the payload of a frame, decoding it first when the server
// sent it as a string.
func unwrapData(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return json.RawMessage(s)
		}
	}
	return raw
}

// eventKey strips the namespace a server may put in front of an event name,
// so "App\Events\MessageEvent", ".MessageEvent" and "MessageEvent" match.
func eventKey(name string) string {
	name = strings.TrimPrefix(name, ".")
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func isPrivateChannel(name string) bool {
	return strings.HasPrefix(name, "private-") || strings.HasPrefix(name, "presence-")
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelAuthorizer signs private channel subscriptions. *Client implements it.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channelName string) (*ChannelAuth, error)
}

// RealtimeConfig configures the push client.
type RealtimeConfig struct {
	URL                  string // ws(s):// or http(s):// host of the push server
	AppKey               string
	Authorizer           ChannelAuthorizer
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ActivityTimeout      time.Duration
	PongTimeout          time.Duration
	SubscribeTimeout     time.Duration
	HandshakeTimeout     time.Duration
	Logger               *zap.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = 120 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
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
// Connection event dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onConnected    []func(socketID string)
	onDisconnected []func(reason string)
	onReconnecting []func(int, time.Duration)
	onError        []func(PushError)
}

func (d *eventDispatcher) emitConnected(socketID string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(socketID)
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

func (d *eventDispatcher) emitError(e PushError) {
	d.mu.RLock()
	handlers := append([]func(PushError){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(e)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
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
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// Channel
// ============================================================================

// EventHandler receives the decoded payload of one channel event.
type EventHandler func(data json.RawMessage)

// Channel is one subscribed push channel. Handlers run on the connection's read
// goroutine in arrival order and must not block.
type Channel struct {
	name   string
	client *PushClient
	logger *zap.Logger

	mu       sync.Mutex
	next     int
	handlers map[string]map[int]EventHandler
	ack      chan error
	closed   bool
}

func (ch *Channel) Name() string { return ch.name }

// Bind registers h for an event and returns the function that removes it.
func (ch *Channel) Bind(event string, h EventHandler) (unbind func()) {
	key := eventKey(event)
	ch.mu.Lock()
	id := ch.next
	ch.next++
	if ch.handlers[key] == nil {
		ch.handlers[key] = make(map[int]EventHandler)
	}
	ch.handlers[key][id] = h
	ch.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.handlers[key], id)
			ch.mu.Unlock()
		})
	}
}

// Unbind drops every handler for an event.
func (ch *Channel) Unbind(event string) {
	ch.mu.Lock()
	delete(ch.handlers, eventKey(event))
	ch.mu.Unlock()
}

// HandlerCount returns how many handlers are bound across all events.
func (ch *Channel) HandlerCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := 0
	for _, hs := range ch.handlers {
		n += len(hs)
	}
	return n
}

// Unsubscribe leaves the channel and drops its handlers. Safe to call twice.
func (ch *Channel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.handlers = make(map[string]map[int]EventHandler)
	ch.mu.Unlock()
	return ch.client.unsubscribe(ctx, ch)
}

func (ch *Channel) dispatch(event string, data json.RawMessage) {
	key := eventKey(event)
	ch.mu.Lock()
	hs := make([]EventHandler, 0, len(ch.handlers[key]))
	ids := make([]int, 0, len(ch.handlers[key]))
	for id := range ch.handlers[key] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		hs = append(hs, ch.handlers[key][id])
	}
	ch.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ch.logger.Error("channel_handler_panic",
						zap.String("channel", ch.name),
						zap.String("event", key),
						zap.Any("panic", r),
					)
				}
			}()
			h(data)
		}()
	}
}

func (ch *Channel) expectAck() chan error {
	ack := make(chan error, 1)
	ch.mu.Lock()
	ch.ack = ack
	ch.mu.Unlock()
	return ack
}

func (ch *Channel) resolveAck(err error) {
	ch.mu.Lock()
	ack := ch.ack
	ch.ack = nil
	ch.mu.Unlock()
	if ack != nil {
		ack <- err
	}
}

// ============================================================================
// PushClient
// ============================================================================

// PushClient speaks the Pusher channel protocol over a WebSocket, the protocol
// Laravel Reverb and compatible servers expose. It keeps the connection alive
// with ping/pong, reconnects with backoff and resubscribes every open channel.
type PushClient struct {
	config     *RealtimeConfig
	endpoint   string
	logger     *zap.Logger
	dispatcher *eventDispatcher
	recon      *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	socketID         string
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*Channel
	pong             chan struct{}
}

// NewPushClient creates a push client. Connect must be called before events flow.
func NewPushClient(config *RealtimeConfig) *PushClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &PushClient{
		config:     config,
		endpoint:   pushEndpoint(config.URL, config.AppKey),
		logger:     config.Logger,
		dispatcher: &eventDispatcher{},
		recon:      newReconnector(config),
		state:      StateDisconnected,
		channels:   make(map[string]*Channel),
		pong:       make(chan struct{}, 1),
	}
}

func pushEndpoint(base, appKey string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", "chatsync-go")
	q.Set("version", Version)
	return u + "/app/" + url.PathEscape(appKey) + "?" + q.Encode()
}

// OnConnected registers a handler called with the socket id after every (re)connect.
func (pc *PushClient) OnConnected(h func(socketID string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onConnected = append(pc.dispatcher.onConnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for unexpected connection loss.
func (pc *PushClient) OnDisconnected(h func(reason string)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onDisconnected = append(pc.dispatcher.onDisconnected, h)
	pc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for reconnect attempts.
func (pc *PushClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onReconnecting = append(pc.dispatcher.onReconnecting, h)
	pc.dispatcher.mu.Unlock()
}

// OnError registers a handler for pusher:error frames.
func (pc *PushClient) OnError(h func(PushError)) {
	pc.dispatcher.mu.Lock()
	pc.dispatcher.onError = append(pc.dispatcher.onError, h)
	pc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (pc *PushClient) State() RealtimeState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// SocketID returns the id the server assigned to this connection, or "".
func (pc *PushClient) SocketID() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.socketID
}

// Connect dials the server and waits for the connection handshake.
// Channels subscribed before a reconnect are subscribed again.
func (pc *PushClient) Connect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.state == StateConnected || pc.state == StateConnecting {
		pc.mu.Unlock()
		return nil
	}
	pc.state = StateConnecting
	pc.intentionalClose = false
	pc.mu.Unlock()

	conn, established, err := pc.dial(ctx)
	if err != nil {
		pc.mu.Lock()
		pc.state = StateDisconnected
		pc.mu.Unlock()
		return err
	}

	timeout := pc.config.ActivityTimeout
	if server := time.Duration(established.ActivityTimeout) * time.Second; server > 0 && server < timeout {
		timeout = server
	}

	// The read and heartbeat loops outlive the dial context.
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pc.mu.Lock()
	pc.conn = conn
	pc.socketID = established.SocketID
	pc.state = StateConnected
	pc.cancelFn = cancel
	channels := make([]*Channel, 0, len(pc.channels))
	for _, ch := range pc.channels {
		channels = append(channels, ch)
	}
	pc.mu.Unlock()
	pc.recon.markConnected()

	pc.logger.Info("push_connected", zap.String("socket_id", established.SocketID))

	go pc.readLoop(connCtx, conn)
	go pc.heartbeatLoop(connCtx, conn, timeout)

	for _, ch := range channels {
		ch.expectAck()
		if err := pc.sendSubscribe(ctx, ch); err != nil {
			pc.logger.Warn("resubscribe_failed", zap.String("channel", ch.name), zap.Error(err))
		}
	}

	pc.dispatcher.emitConnected(established.SocketID)
	return nil
}

func (pc *PushClient) dial(ctx context.Context) (*websocket.Conn, *connectionEstablished, error) {
	conn, _, err := websocket.Dial(ctx, pc.endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be the handshake carrying our socket id.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("read handshake: %w", err)
	}

	var frame PushFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event != eventConnectionEstablished {
		conn.Close(websocket.StatusNormalClosure, "")
		if frame.Event == eventError {
			var pe PushError
			if json.Unmarshal(unwrapData(frame.Data), &pe) == nil {
				return nil, nil, &pe
			}
		}
		return nil, nil, fmt.Errorf("expected '%s', got '%s'", eventConnectionEstablished, frame.Event)
	}

	var established connectionEstablished
	if err := json.Unmarshal(unwrapData(frame.Data), &established); err != nil || established.SocketID == "" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("decode handshake: invalid socket id")
	}
	return conn, &established, nil
}

// Disconnect closes the connection. Subscribed channels are kept and are
// subscribed again by the next Connect.
func (pc *PushClient) Disconnect() error {
	pc.mu.Lock()
	pc.intentionalClose = true
	if pc.cancelFn != nil {
		pc.cancelFn()
		pc.cancelFn = nil
	}
	conn := pc.conn
	pc.conn = nil
	pc.socketID = ""
	pc.state = StateDisconnected
	pc.mu.Unlock()
	pc.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe joins a channel, authorizing it first when it is private. It
// returns the existing Channel when already subscribed. While disconnected
// the channel is registered and joined on the next Connect.
func (pc *PushClient) Subscribe(ctx context.Context, name string) (*Channel, error) {
	pc.mu.Lock()
	if ch, ok := pc.channels[name]; ok {
		pc.mu.Unlock()
		return ch, nil
	}
	ch := &Channel{
		name:     name,
		client:   pc,
		logger:   pc.logger,
		handlers: make(map[string]map[int]EventHandler),
	}
	pc.channels[name] = ch
	connected := pc.state == StateConnected
	pc.mu.Unlock()

	if !connected {
		return ch, nil
	}

	ack := ch.expectAck()
	if err := pc.sendSubscribe(ctx, ch); err != nil {
		pc.forget(ch)
		return nil, err
	}

	timer := time.NewTimer(pc.config.SubscribeTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			pc.forget(ch)
			return nil, err
		}
		return ch, nil
	case <-timer.C:
		pc.forget(ch)
		return nil, fmt.Errorf("subscribe %s: timed out", name)
	case <-ctx.Done():
		pc.forget(ch)
		return nil, ctx.Err()
	}
}

// Channel returns a subscribed channel by name.
func (pc *PushClient) Channel(name string) (*Channel, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	ch, ok := pc.channels[name]
	return ch, ok
}

// Channels returns the names of all subscribed channels.
func (pc *PushClient) Channels() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, 0, len(pc.channels))
	for name := range pc.channels {
		out = append(out, name)
	}
	return out
}

func (pc *PushClient) forget(ch *Channel) {
	pc.mu.Lock()
	if pc.channels[ch.name] == ch {
		delete(pc.channels, ch.name)
	}
	pc.mu.Unlock()
}

func (pc *PushClient) sendSubscribe(ctx context.Context, ch *Channel) error {
	payload := map[string]string{"channel": ch.name}
	if isPrivateChannel(ch.name) {
		if pc.config.Authorizer == nil {
			return fmt.Errorf("subscribe %s: no channel authorizer configured", ch.name)
		}
		auth, err := pc.config.Authorizer.AuthorizeChannel(ctx, pc.SocketID(), ch.name)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", ch.name, err)
		}
		payload["auth"] = auth.Auth
		if auth.ChannelData != "" {
			payload["channel_data"] = auth.ChannelData
		}
	}
	return pc.Send(ctx, eventSubscribe, "", payload)
}

func (pc *PushClient) unsubscribe(ctx context.Context, ch *Channel) error {
	pc.forget(ch)
	if pc.State() != StateConnected {
		return nil
	}
	err := pc.Send(ctx, eventUnsubscribe, "", map[string]string{"channel": ch.name})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send writes one frame.
func (pc *PushClient) Send(ctx context.Context, event, channel string, data any) error {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(PushFrame{Event: event, Channel: channel, Data: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (pc *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			pc.mu.Lock()
			intentional := pc.intentionalClose
			current := pc.conn == conn
			if current {
				pc.state = StateDisconnected
				pc.conn = nil
				pc.socketID = ""
				if pc.cancelFn != nil {
					pc.cancelFn()
					pc.cancelFn = nil
				}
			}
			pc.mu.Unlock()
			if intentional || !current {
				return
			}

			pc.logger.Warn("push_disconnected", zap.Error(err))
			pc.dispatcher.emitDisconnected(err.Error())

			if pc.config.AutoReconnect {
				go pc.reconnectLoop()
			}
			return
		}

		var frame PushFrame
		if json.Unmarshal(data, &frame) != nil {
			pc.logger.Debug("push_frame_undecodable", zap.Int("bytes", len(data)))
			continue
		}
		pc.handleFrame(ctx, frame)
	}
}

func (pc *PushClient) handleFrame(ctx context.Context, frame PushFrame) {
	payload := unwrapData(frame.Data)

	switch frame.Event {
	case eventPing:
		if err := pc.Send(ctx, eventPong, "", struct{}{}); err != nil {
			pc.logger.Debug("pong_failed", zap.Error(err))
		}
		return
	case eventPong:
		select {
		case pc.pong <- struct{}{}:
		default:
		}
		return
	case eventError:
		var pe PushError
		if json.Unmarshal(payload, &pe) == nil {
			pc.logger.Warn("push_error", zap.Int("code", pe.Code), zap.String("message", pe.Message))
			pc.dispatcher.emitError(pe)
		}
		return
	}

	if frame.Channel == "" {
		return
	}
	ch, ok := pc.Channel(frame.Channel)
	if !ok {
		return
	}

	switch frame.Event {
	case eventSubscriptionSucceeded:
		ch.resolveAck(nil)
	case eventSubscriptionError:
		ch.resolveAck(fmt.Errorf("subscribe %s: %s", frame.Channel, strings.TrimSpace(string(payload))))
	default:
		ch.dispatch(frame.Event, payload)
	}
}

// heartbeatLoop pings after each idle period and drops the connection when the
// pong does not arrive in time, which hands control to the reconnect loop.
func (pc *PushClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain a stale pong
			select {
			case <-pc.pong:
			default:
			}
			if err := pc.Send(ctx, eventPing, "", struct{}{}); err != nil {
				return
			}
			timer := time.NewTimer(pc.config.PongTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-pc.pong:
				timer.Stop()
			case <-timer.C:
				pc.logger.Warn("push_pong_timeout")
				conn.Close(websocket.StatusGoingAway, "pong timeout")
				return
			}
		}
	}
}

func (pc *PushClient) reconnectLoop() {
	for pc.recon.shouldReconnect() {
		attempt, delay := pc.recon.nextDelay()
		pc.mu.Lock()
		if pc.intentionalClose {
			pc.mu.Unlock()
			return
		}
		pc.state = StateReconnecting
		pc.mu.Unlock()

		pc.config.Metrics.reconnect()
		pc.logger.Info("push_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		pc.dispatcher.emitReconnecting(attempt, delay)
		time.Sleep(delay)

		pc.mu.Lock()
		if pc.intentionalClose {
			pc.mu.Unlock()
			return
		}
		pc.state = StateDisconnected
		pc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), pc.config.HandshakeTimeout)
		err := pc.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		pc.logger.Warn("push_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	pc.mu.Lock()
	pc.state = StateDisconnected
	pc.mu.Unlock()
	pc.logger.Error("push_reconnect_gave_up", zap.String("endpoint", pc.endpoint), zap.Int("attempts", pc.config.MaxReconnectAttempts))
}
