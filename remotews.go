package tidechat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// wsEnvelope is the frame format in both directions. Requests carry a
// client-assigned id echoed in the matching result or error; subscription
// pushes reuse the id of the watch that created them.
type wsEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wsWireError    `json:"error,omitempty"`
}

type wsWireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server-to-client frame types.
const (
	wsTypeResult   = "result"
	wsTypeError    = "error"
	wsTypeSnapshot = "snapshot"
)

// Client-to-server actions.
const (
	wsActionRoomsGet          = "rooms.get"
	wsActionRoomGet           = "room.get"
	wsActionRoomCreate        = "room.create"
	wsActionParticipantAdd    = "room.addParticipant"
	wsActionParticipantRemove = "room.removeParticipant"
	wsActionMessagesGet       = "messages.get"
	wsActionMessagePut        = "message.put"
	wsActionMarkRead          = "message.markRead"
	wsActionBatchMarkRead     = "message.batchMarkRead"
	wsActionWatchRooms        = "watch.rooms"
	wsActionWatchMessages     = "watch.messages"
	wsActionUnwatch           = "unwatch"
	wsActionPing              = "ping"
)

// ============================================================================
// WSRemoteStore
// ============================================================================

// WSConfig tunes the websocket remote store.
type WSConfig struct {
	DialTimeout       time.Duration
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
	Logger            *logrus.Logger
}

func (c *WSConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

// WSRemoteStore implements RemoteStore over a websocket to the Tidechat
// sync gateway. Requests are correlated to responses through a pending-call
// map; subscription snapshots are routed to per-watch channels. The
// connection is dialed lazily and redialed on the next call after a drop;
// a drop terminates every live watch with a transient-network error, which
// the repository converts into its cache fallback.
type WSRemoteStore struct {
	url    string
	token  string
	config WSConfig
	log    *logrus.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	reqSeq   uint64
	pending  map[string]chan wsEnvelope
	subs     map[string]*wsSubscription
	closed   bool
}

// NewWSRemoteStore creates a store for the given gateway URL. config may
// be nil for defaults. No connection is made until the first call.
func NewWSRemoteStore(url, token string, config *WSConfig) *WSRemoteStore {
	cfg := WSConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSRemoteStore{
		url:     url,
		token:   token,
		config:  cfg,
		log:     cfg.Logger,
		pending: make(map[string]chan wsEnvelope),
		subs:    make(map[string]*wsSubscription),
	}
}

// Close tears down the connection and terminates every live watch.
func (s *WSRemoteStore) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.mu.Unlock()

	s.failAll(NewNetworkError("connection closed"))
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// ensureConnected dials if no connection is live. Dial failures are
// transient-network by definition here: the caller cannot tell a partition
// from a dead gateway, and the repository's fallback rule treats both the
// same way.
func (s *WSRemoteStore) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NewNetworkError("store is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url+"?token="+s.token, nil)
	if err != nil {
		return NewNetworkError(fmt.Sprintf("dial %s: %v", s.url, err))
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancelRead()
		conn.Close(websocket.StatusNormalClosure, "client close")
		return NewNetworkError("store is closed")
	}
	s.conn = conn
	s.cancelFn = cancelRead
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)
	go s.heartbeatLoop(readCtx, conn)
	return nil
}

func (s *WSRemoteStore) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			dropped := s.conn == conn
			if dropped {
				s.conn = nil
				s.cancelFn = nil
			}
			s.mu.Unlock()
			if dropped {
				s.log.WithError(err).Warn("ws: connection lost")
				s.failAll(NewNetworkError("connection lost: " + err.Error()))
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case wsTypeResult, wsTypeError:
			s.mu.Lock()
			ch, ok := s.pending[env.ID]
			if ok {
				delete(s.pending, env.ID)
			}
			s.mu.Unlock()
			if ok {
				ch <- env
			}
		case wsTypeSnapshot:
			s.mu.Lock()
			sub := s.subs[env.ID]
			s.mu.Unlock()
			if sub != nil {
				sub.deliver(env.Payload)
			}
		}
	}
}

func (s *WSRemoteStore) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, _ := json.Marshal(wsEnvelope{Type: wsActionPing})
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// failAll terminates every pending call and live watch with err.
func (s *WSRemoteStore) failAll(err *RemoteError) {
	s.mu.Lock()
	pending := s.pending
	subs := s.subs
	s.pending = make(map[string]chan wsEnvelope)
	s.subs = make(map[string]*wsSubscription)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- wsEnvelope{Type: wsTypeError, ID: id, Error: &wsWireError{Code: err.Code, Message: err.Message}}
	}
	for _, sub := range subs {
		sub.terminate(err)
	}
}

// call sends one request and waits for its correlated response.
func (s *WSRemoteStore) call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", action, err)
		}
		raw = b
	}

	s.mu.Lock()
	s.reqSeq++
	id := fmt.Sprintf("req-%d", s.reqSeq)
	ch := make(chan wsEnvelope, 1)
	s.pending[id] = ch
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.dropPending(id)
		return nil, NewNetworkError("connection lost")
	}

	data, _ := json.Marshal(wsEnvelope{Type: action, ID: id, Payload: raw})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.dropPending(id)
		return nil, NewNetworkError("write: " + err.Error())
	}

	timeout := time.NewTimer(s.config.CallTimeout)
	defer timeout.Stop()
	select {
	case env := <-ch:
		if env.Type == wsTypeError {
			if env.Error != nil && env.Error.Code == "NETWORK" {
				return nil, NewNetworkError(env.Error.Message)
			}
			if env.Error != nil {
				return nil, NewServerError(env.Error.Code, env.Error.Message)
			}
			return nil, NewServerError("UNKNOWN", "unspecified remote error")
		}
		return env.Payload, nil
	case <-timeout.C:
		s.dropPending(id)
		return nil, &RemoteError{Code: CodeTimeout, Message: action + " timed out", Transient: true}
	case <-ctx.Done():
		s.dropPending(id)
		return nil, &RemoteError{Code: CodeTimeout, Message: ctx.Err().Error(), Transient: true}
	}
}

func (s *WSRemoteStore) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ============================================================================
// RemoteStore: point operations
// ============================================================================

func (s *WSRemoteStore) GetRooms(ctx context.Context, userID string) ([]ChatRoom, error) {
	raw, err := s.call(ctx, wsActionRoomsGet, map[string]string{"userId": userID})
	if err != nil {
		return nil, err
	}
	var rooms []ChatRoom
	if err := json.Unmarshal(raw, &rooms); err != nil {
		return nil, NewServerError("DECODE", err.Error())
	}
	return rooms, nil
}

func (s *WSRemoteStore) GetRoom(ctx context.Context, roomID string) (*ChatRoom, error) {
	raw, err := s.call(ctx, wsActionRoomGet, map[string]string{"roomId": roomID})
	if err != nil {
		return nil, err
	}
	var room ChatRoom
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, NewServerError("DECODE", err.Error())
	}
	return &room, nil
}

func (s *WSRemoteStore) CreateRoom(ctx context.Context, room ChatRoom) error {
	_, err := s.call(ctx, wsActionRoomCreate, room)
	return err
}

func (s *WSRemoteStore) AddParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.call(ctx, wsActionParticipantAdd, map[string]string{"roomId": roomID, "userId": userID})
	return err
}

func (s *WSRemoteStore) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	_, err := s.call(ctx, wsActionParticipantRemove, map[string]string{"roomId": roomID, "userId": userID})
	return err
}

func (s *WSRemoteStore) GetMessages(ctx context.Context, roomID string, limit int, afterID string) ([]Message, error) {
	raw, err := s.call(ctx, wsActionMessagesGet, map[string]any{
		"roomId": roomID, "limit": limit, "afterId": afterID,
	})
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, NewServerError("DECODE", err.Error())
	}
	return msgs, nil
}

func (s *WSRemoteStore) PutMessage(ctx context.Context, msg Message) error {
	_, err := s.call(ctx, wsActionMessagePut, msg)
	return err
}

func (s *WSRemoteStore) MarkRead(ctx context.Context, roomID, messageID, userID string, at time.Time) error {
	_, err := s.call(ctx, wsActionMarkRead, map[string]any{
		"roomId": roomID, "messageId": messageID, "userId": userID, "at": at,
	})
	return err
}

func (s *WSRemoteStore) BatchMarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) error {
	_, err := s.call(ctx, wsActionBatchMarkRead, map[string]any{
		"roomId": roomID, "messageIds": messageIDs, "userId": userID, "at": at,
	})
	return err
}

// ============================================================================
// RemoteStore: subscriptions
// ============================================================================

// wsSubscription routes snapshot frames for one watch. Snapshots are
// full-state, so a delivery that would block is dropped: the next snapshot
// supersedes it anyway.
type wsSubscription struct {
	id      string
	decode  func(json.RawMessage) error
	mu      sync.Mutex
	closed  bool
	closeCh func(err *RemoteError)
}

func (sub *wsSubscription) deliver(payload json.RawMessage) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	_ = sub.decode(payload)
}

func (sub *wsSubscription) terminate(err *RemoteError) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.closeCh(err)
}

type watchResult struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (s *WSRemoteStore) WatchRooms(ctx context.Context, userID string) (<-chan RoomsEvent, func(), error) {
	raw, err := s.call(ctx, wsActionWatchRooms, map[string]string{"userId": userID})
	if err != nil {
		return nil, nil, err
	}
	var res watchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, NewServerError("DECODE", err.Error())
	}

	out := make(chan RoomsEvent, DefaultStreamBuffer)
	sub := &wsSubscription{id: res.SubscriptionID}
	sub.decode = func(payload json.RawMessage) error {
		var rooms []ChatRoom
		if err := json.Unmarshal(payload, &rooms); err != nil {
			return err
		}
		select {
		case out <- RoomsEvent{Rooms: rooms}:
		default:
			s.log.WithField("sub", sub.id).Debug("ws: slow consumer, room snapshot dropped")
		}
		return nil
	}
	sub.closeCh = func(err *RemoteError) {
		if err != nil {
			out <- RoomsEvent{Err: err}
		}
		close(out)
	}
	s.registerSub(sub)
	return out, func() { s.unwatch(sub) }, nil
}

func (s *WSRemoteStore) WatchMessages(ctx context.Context, roomID string) (<-chan MessagesEvent, func(), error) {
	raw, err := s.call(ctx, wsActionWatchMessages, map[string]string{"roomId": roomID})
	if err != nil {
		return nil, nil, err
	}
	var res watchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, NewServerError("DECODE", err.Error())
	}

	out := make(chan MessagesEvent, DefaultStreamBuffer)
	sub := &wsSubscription{id: res.SubscriptionID}
	sub.decode = func(payload json.RawMessage) error {
		var msgs []Message
		if err := json.Unmarshal(payload, &msgs); err != nil {
			return err
		}
		select {
		case out <- MessagesEvent{Messages: msgs}:
		default:
			s.log.WithField("sub", sub.id).Debug("ws: slow consumer, message snapshot dropped")
		}
		return nil
	}
	sub.closeCh = func(err *RemoteError) {
		if err != nil {
			out <- MessagesEvent{Err: err}
		}
		close(out)
	}
	s.registerSub(sub)
	return out, func() { s.unwatch(sub) }, nil
}

func (s *WSRemoteStore) registerSub(sub *wsSubscription) {
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
}

// unwatch cancels a subscription. The channel close makes cancellation
// synchronous from the caller's point of view; the gateway round trip is
// best effort and must not stall the caller (stop funcs run inside
// listener-registry operations).
func (s *WSRemoteStore) unwatch(sub *wsSubscription) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
	sub.terminate(nil)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.call(ctx, wsActionUnwatch, map[string]string{"subscriptionId": sub.id}); err != nil {
			s.log.WithError(err).WithField("sub", sub.id).Debug("ws: unwatch failed")
		}
	}()
}
