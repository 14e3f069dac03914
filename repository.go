package tidechat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// SyncRepository
// ============================================================================

// Input bounds, checked before any I/O.
const (
	MaxRoomNameLength   = 100
	MaxMessageLength    = 4096
	MaxSearchResults    = 50
	DefaultStreamBuffer = 16
)

const roomsCacheKey = "list"

// SyncRepository turns the remote document feed into a bounded, resilient,
// offline-tolerant local view.
//
// Reads write through to the cache on success and read through from it on
// transient remote failure. Writes are never masked: a failed write is
// surfaced verbatim. Every stream it opens is registered with the listener
// registry under a deterministic key, so the pool bound and idle sweep
// apply uniformly.
type SyncRepository struct {
	remote    RemoteStore
	cache     CacheStore
	pager     *PaginationTracker
	listeners *ListenerRegistry
	userID    string
	log       *logrus.Logger

	pageSize        int
	workingSetLimit int

	// mu serializes cached-list read-modify-write cycles and makes the
	// leave-room three-way cleanup atomic from the caller's point of view.
	mu sync.Mutex
}

// NewSyncRepository wires the façade. userID is the authenticated user on
// whose behalf all operations run; auth itself is an external collaborator.
func NewSyncRepository(remote RemoteStore, cache CacheStore, pager *PaginationTracker, listeners *ListenerRegistry, userID string, log *logrus.Logger) *SyncRepository {
	if log == nil {
		log = defaultLogger()
	}
	return &SyncRepository{
		remote:          remote,
		cache:           cache,
		pager:           pager,
		listeners:       listeners,
		userID:          userID,
		log:             log,
		pageSize:        DefaultPageSize,
		workingSetLimit: DefaultWorkingSetLimit,
	}
}

// ============================================================================
// One-shot fetches
// ============================================================================

// GetChatRooms fetches the rooms the user participates in. On success the
// result is written through to the cache; on a network or server failure
// the cached list is returned instead when one exists.
func (r *SyncRepository) GetChatRooms(ctx context.Context) ([]ChatRoom, error) {
	const op = "getChatRooms"
	rooms, err := r.remote.GetRooms(ctx, r.userID)
	if err != nil {
		f := classify(op, err)
		if rooms, ok := r.roomsFromCache(); ok {
			r.log.WithError(f).Debug("room fetch failed, serving cache")
			return rooms, nil
		}
		return nil, f
	}
	r.mu.Lock()
	r.cacheRooms(rooms)
	r.mu.Unlock()
	return rooms, nil
}

// MessagesOptions tunes a message fetch. Zero Limit means the repository
// page size; empty After means the first page.
type MessagesOptions struct {
	Limit int
	After string
}

// GetMessages fetches one page of a room's history. Success records the
// page with the pagination tracker and merges it into the cached working
// set; a network or server failure falls back to the cached list.
func (r *SyncRepository) GetMessages(ctx context.Context, roomID string, opts *MessagesOptions) ([]Message, error) {
	const op = "getMessages"
	if roomID == "" {
		return nil, validationFailure(op, "room id is empty")
	}
	limit := r.pageSize
	after := ""
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		after = opts.After
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if _, ok := r.pager.State(roomID); !ok {
		r.pager.Init(roomID, limit)
	}

	page, err := r.remote.GetMessages(ctx, roomID, limit, after)
	if err != nil {
		f := classify(op, err)
		if cached, ok := r.messagesFromCache(roomID); ok {
			r.log.WithError(f).WithField("room", roomID).Debug("message fetch failed, serving cache")
			return cached, nil
		}
		return nil, f
	}

	r.pager.RecordPage(roomID, page)
	r.mergeMessagesIntoCache(roomID, page, after == "")
	return page, nil
}

// LoadMoreMessages fetches the next page using the tracked cursor. It
// returns an empty page without touching the remote once the history is
// exhausted.
func (r *SyncRepository) LoadMoreMessages(ctx context.Context, roomID string) ([]Message, error) {
	st, ok := r.pager.State(roomID)
	if ok && !st.HasMore {
		return nil, nil
	}
	opts := &MessagesOptions{}
	if ok {
		opts.Limit = st.PageSize
		opts.After = st.LastItemID
	}
	return r.GetMessages(ctx, roomID, opts)
}

// ShouldLoadMore exposes the scroll-triggered prefetch rule.
func (r *SyncRepository) ShouldLoadMore(roomID string, currentIndex, totalVisible, threshold int) bool {
	return r.pager.ShouldLoadMore(roomID, currentIndex, totalVisible, threshold)
}

// PaginationState returns the cursor state for a room, if any.
func (r *SyncRepository) PaginationState(roomID string) (PaginationState, bool) {
	return r.pager.State(roomID)
}

// ============================================================================
// Live streams
// ============================================================================

// RoomsStream is a live room-list subscription. Stop cancels the
// underlying subscription synchronously and releases its listener slot.
type RoomsStream struct {
	C    <-chan RoomsSnapshot
	stop func()
	once sync.Once
}

// Stop cancels the stream. Safe to call more than once.
func (s *RoomsStream) Stop() { s.once.Do(s.stop) }

// MessagesStream is a live per-room message subscription.
type MessagesStream struct {
	C    <-chan MessagesSnapshot
	stop func()
	once sync.Once
}

// Stop cancels the stream. Safe to call more than once.
func (s *MessagesStream) Stop() { s.once.Do(s.stop) }

// ChatRoomsStream opens a live room-list stream registered under the
// "rooms" key; opening a second one replaces the first. Emissions write
// through to the cache. A stream error is never surfaced: the last cached
// snapshot (or an empty one) is emitted exactly once and the stream ends.
func (r *SyncRepository) ChatRoomsStream(ctx context.Context) *RoomsStream {
	out := make(chan RoomsSnapshot, DefaultStreamBuffer)
	done := make(chan struct{})
	var cancelOnce sync.Once

	events, cancelRemote, err := r.remote.WatchRooms(ctx, r.userID)
	if err != nil {
		r.log.WithError(classify("chatRoomsStream", err)).Warn("room stream open failed, emitting cache")
		go func() {
			defer close(out)
			out <- r.roomsFallbackSnapshot()
		}()
		return &RoomsStream{C: out, stop: func() {}}
	}

	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			cancelRemote()
		})
	}
	token := r.listeners.Register(ListenerKeyRooms, cancel, "room list stream")

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Err != nil {
					r.log.WithError(ev.Err).Warn("room stream error, emitting cache")
					// Emit before releasing the listener slot: releasing it
					// closes done, which would race the send away.
					select {
					case out <- r.roomsFallbackSnapshot():
					case <-done:
					}
					r.listeners.unregisterOwned(ListenerKeyRooms, token)
					return
				}
				r.mu.Lock()
				r.cacheRooms(ev.Rooms)
				r.mu.Unlock()
				select {
				case out <- RoomsSnapshot{Rooms: ev.Rooms}:
				case <-done:
					return
				}
			}
		}
	}()

	return &RoomsStream{C: out, stop: func() {
		cancel()
		r.listeners.unregisterOwned(ListenerKeyRooms, token)
	}}
}

// MessagesStream opens a live message stream for a room, registered under
// "messages:<roomId>". Each emission is trimmed to the working-set cap and
// written through to the cache before being forwarded.
func (r *SyncRepository) MessagesStream(ctx context.Context, roomID string) (*MessagesStream, error) {
	const op = "messagesStream"
	if roomID == "" {
		return nil, validationFailure(op, "room id is empty")
	}

	out := make(chan MessagesSnapshot, DefaultStreamBuffer)
	done := make(chan struct{})
	var cancelOnce sync.Once
	key := MessagesListenerKey(roomID)

	events, cancelRemote, err := r.remote.WatchMessages(ctx, roomID)
	if err != nil {
		r.log.WithError(classify(op, err)).WithField("room", roomID).Warn("message stream open failed, emitting cache")
		go func() {
			defer close(out)
			out <- r.messagesFallbackSnapshot(roomID)
		}()
		return &MessagesStream{C: out, stop: func() {}}, nil
	}

	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			cancelRemote()
		})
	}
	token := r.listeners.Register(key, cancel, "message stream for room "+roomID)

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Err != nil {
					r.log.WithError(ev.Err).WithField("room", roomID).Warn("message stream error, emitting cache")
					// Emit before releasing the listener slot: releasing it
					// closes done, which would race the send away.
					select {
					case out <- r.messagesFallbackSnapshot(roomID):
					case <-done:
					}
					r.listeners.unregisterOwned(key, token)
					return
				}
				msgs := TrimWorkingSet(ev.Messages, r.workingSetLimit)
				r.mu.Lock()
				r.cacheMessages(roomID, msgs)
				r.mu.Unlock()
				select {
				case out <- MessagesSnapshot{RoomID: roomID, Messages: msgs}:
				case <-done:
					return
				}
			}
		}
	}()

	return &MessagesStream{C: out, stop: func() {
		cancel()
		r.listeners.unregisterOwned(key, token)
	}}, nil
}

func (r *SyncRepository) roomsFallbackSnapshot() RoomsSnapshot {
	rooms, _ := r.roomsFromCache()
	return RoomsSnapshot{Rooms: rooms, FromCache: true}
}

func (r *SyncRepository) messagesFallbackSnapshot(roomID string) MessagesSnapshot {
	msgs, _ := r.messagesFromCache(roomID)
	return MessagesSnapshot{RoomID: roomID, Messages: msgs, FromCache: true}
}

// ============================================================================
// Mutations
// ============================================================================

// CreateChatRoom creates a room owned by the current user. The creator is
// always a participant. On success the room is prepended to the cached
// room list; a failure is surfaced verbatim.
func (r *SyncRepository) CreateChatRoom(ctx context.Context, name, description string, participants []string) (*ChatRoom, error) {
	const op = "createChatRoom"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationFailure(op, "room name is empty")
	}
	if len(name) > MaxRoomNameLength {
		return nil, validationFailure(op, "room name is too long")
	}
	if r.userID == "" {
		return nil, validationFailure(op, "user id is empty")
	}

	room := ChatRoom{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedBy:   r.userID,
		CreatedAt:   time.Now().UTC(),
	}
	room.Participants = append(room.Participants, r.userID)
	seen := map[string]bool{r.userID: true}
	for _, p := range participants {
		if p != "" && !seen[p] {
			seen[p] = true
			room.Participants = append(room.Participants, p)
		}
	}

	if err := r.remote.CreateRoom(ctx, room); err != nil {
		return nil, classify(op, err)
	}

	r.mu.Lock()
	rooms, _ := r.roomsFromCache()
	r.cacheRooms(append([]ChatRoom{room}, rooms...))
	r.mu.Unlock()
	return &room, nil
}

// JoinChatRoom adds the current user to a room's participants.
func (r *SyncRepository) JoinChatRoom(ctx context.Context, roomID string) error {
	const op = "joinChatRoom"
	if roomID == "" {
		return validationFailure(op, "room id is empty")
	}
	if err := r.remote.AddParticipant(ctx, roomID, r.userID); err != nil {
		return classify(op, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := r.roomsFromCache()
	if !ok {
		return nil
	}
	for i := range rooms {
		if rooms[i].ID == roomID && !rooms[i].HasParticipant(r.userID) {
			rooms[i].Participants = append(rooms[i].Participants, r.userID)
		}
	}
	r.cacheRooms(rooms)
	return nil
}

// LeaveChatRoom removes the current user from a room. On success the
// room's cached messages, pagination state, and message-stream listener
// are all cleaned up before the call returns; a caller never observes a
// partial cleanup.
func (r *SyncRepository) LeaveChatRoom(ctx context.Context, roomID string) error {
	const op = "leaveChatRoom"
	if roomID == "" {
		return validationFailure(op, "room id is empty")
	}
	if err := r.remote.RemoveParticipant(ctx, roomID, r.userID); err != nil {
		return classify(op, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(NamespaceMessages, roomID)
	r.pager.Remove(roomID)
	r.listeners.Unregister(MessagesListenerKey(roomID))

	if rooms, ok := r.roomsFromCache(); ok {
		kept := rooms[:0]
		for _, room := range rooms {
			if room.ID != roomID {
				kept = append(kept, room)
			}
		}
		r.cacheRooms(kept)
	}
	return nil
}

// SendMessage sends a message as the current user. Success appends it to
// the cached working set and refreshes the room's last-message fields;
// failure is surfaced verbatim — a write is never silently "succeeded".
func (r *SyncRepository) SendMessage(ctx context.Context, roomID, content string, msgType MessageType) (*Message, error) {
	const op = "sendMessage"
	if roomID == "" {
		return nil, validationFailure(op, "room id is empty")
	}
	if strings.TrimSpace(content) == "" {
		return nil, validationFailure(op, "message content is empty")
	}
	if len(content) > MaxMessageLength {
		return nil, validationFailure(op, "message content is too long")
	}
	switch msgType {
	case "":
		msgType = MessageText
	case MessageText, MessageImage, MessageFile:
	default:
		return nil, validationFailure(op, "unknown message type "+string(msgType))
	}

	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  r.userID,
		Content:   content,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Status:    StatusSent,
	}
	if err := r.remote.PutMessage(ctx, msg); err != nil {
		return nil, classify(op, err)
	}

	r.mu.Lock()
	cached, _ := r.messagesFromCache(roomID)
	cached = append(cached, msg)
	sortMessages(cached)
	r.cacheMessages(roomID, TrimWorkingSet(cached, r.workingSetLimit))
	if rooms, ok := r.roomsFromCache(); ok {
		for i := range rooms {
			if rooms[i].ID == roomID {
				rooms[i].LastMessageID = msg.ID
				ts := msg.Timestamp
				rooms[i].LastMessageTime = &ts
			}
		}
		r.cacheRooms(rooms)
	}
	r.mu.Unlock()
	return &msg, nil
}

// MarkMessageAsRead records a read receipt for the current user. The
// message status moves to read and never regresses.
func (r *SyncRepository) MarkMessageAsRead(ctx context.Context, roomID, messageID string) error {
	const op = "markMessageAsRead"
	if roomID == "" {
		return validationFailure(op, "room id is empty")
	}
	if messageID == "" {
		return validationFailure(op, "message id is empty")
	}
	now := time.Now().UTC()
	if err := r.remote.MarkRead(ctx, roomID, messageID, r.userID, now); err != nil {
		return classify(op, err)
	}
	r.mu.Lock()
	r.applyReadReceipts(roomID, map[string]bool{messageID: true}, now)
	r.mu.Unlock()
	return nil
}

// MarkAllMessagesAsRead records read receipts for every unread message in
// the room in one batch write.
func (r *SyncRepository) MarkAllMessagesAsRead(ctx context.Context, roomID string) error {
	const op = "markAllMessagesAsRead"
	if roomID == "" {
		return validationFailure(op, "room id is empty")
	}

	msgs, err := r.GetMessages(ctx, roomID, &MessagesOptions{Limit: MaxPageSize})
	if err != nil {
		return classify(op, err)
	}
	ids := make([]string, 0, len(msgs))
	idSet := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.SenderID != r.userID && !m.IsReadBy(r.userID) {
			ids = append(ids, m.ID)
			idSet[m.ID] = true
		}
	}
	if len(ids) == 0 {
		return nil
	}

	now := time.Now().UTC()
	if err := r.remote.BatchMarkRead(ctx, roomID, ids, r.userID, now); err != nil {
		return classify(op, err)
	}
	r.mu.Lock()
	r.applyReadReceipts(roomID, idSet, now)
	r.mu.Unlock()
	return nil
}

// UpdateChatRoom is not supported by the service and always fails.
func (r *SyncRepository) UpdateChatRoom(ctx context.Context, roomID string) error {
	return unsupportedFailure("updateChatRoom")
}

// DeleteChatRoom is not supported by the service and always fails.
func (r *SyncRepository) DeleteChatRoom(ctx context.Context, roomID string) error {
	return unsupportedFailure("deleteChatRoom")
}

// UpdateMessage is not supported by the service and always fails.
func (r *SyncRepository) UpdateMessage(ctx context.Context, roomID, messageID string) error {
	return unsupportedFailure("updateMessage")
}

// DeleteMessage is not supported by the service and always fails.
func (r *SyncRepository) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return unsupportedFailure("deleteMessage")
}

// ============================================================================
// Derived reads
// ============================================================================

// GetUnreadMessageCount counts messages in the room sent by others and not
// yet read by the current user. It rides on GetMessages, so the same cache
// fallback applies; no extra remote calls are made.
func (r *SyncRepository) GetUnreadMessageCount(ctx context.Context, roomID string) (int, error) {
	const op = "getUnreadMessageCount"
	if roomID == "" {
		return 0, validationFailure(op, "room id is empty")
	}
	msgs, err := r.GetMessages(ctx, roomID, &MessagesOptions{Limit: MaxPageSize})
	if err != nil {
		return 0, classify(op, err)
	}
	count := 0
	for _, m := range msgs {
		if m.SenderID != r.userID && !m.IsReadBy(r.userID) {
			count++
		}
	}
	return count, nil
}

// GetTotalUnreadMessageCount sums the unread count across every room the
// user participates in.
func (r *SyncRepository) GetTotalUnreadMessageCount(ctx context.Context) (int, error) {
	const op = "getTotalUnreadMessageCount"
	rooms, err := r.GetChatRooms(ctx)
	if err != nil {
		return 0, classify(op, err)
	}
	total := 0
	for _, room := range rooms {
		n, err := r.GetUnreadMessageCount(ctx, room.ID)
		if err != nil {
			return 0, classify(op, err)
		}
		total += n
	}
	return total, nil
}

// SearchMessages filters a room's history client-side by case-insensitive
// substring match.
func (r *SyncRepository) SearchMessages(ctx context.Context, roomID, query string, limit int) ([]Message, error) {
	const op = "searchMessages"
	if roomID == "" {
		return nil, validationFailure(op, "room id is empty")
	}
	if strings.TrimSpace(query) == "" {
		return nil, validationFailure(op, "search query is empty")
	}
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	msgs, err := r.GetMessages(ctx, roomID, &MessagesOptions{Limit: MaxPageSize})
	if err != nil {
		return nil, classify(op, err)
	}
	q := strings.ToLower(query)
	var results []Message
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// ============================================================================
// Cache helpers
// ============================================================================

// GetCachedRooms returns the cached room list without touching the remote.
func (r *SyncRepository) GetCachedRooms() ([]ChatRoom, bool) {
	return r.roomsFromCache()
}

// GetCachedMessages returns a room's cached working set without touching
// the remote.
func (r *SyncRepository) GetCachedMessages(roomID string) ([]Message, bool) {
	return r.messagesFromCache(roomID)
}

func (r *SyncRepository) roomsFromCache() ([]ChatRoom, bool) {
	var rooms []ChatRoom
	if !getJSON(r.cache, r.log, NamespaceRooms, roomsCacheKey, &rooms) {
		return nil, false
	}
	return rooms, true
}

func (r *SyncRepository) messagesFromCache(roomID string) ([]Message, bool) {
	var msgs []Message
	if !getJSON(r.cache, r.log, NamespaceMessages, roomID, &msgs) {
		return nil, false
	}
	return msgs, true
}

// cacheRooms / cacheMessages are write-through primitives; callers hold
// r.mu when the write is part of a read-modify-write cycle.
func (r *SyncRepository) cacheRooms(rooms []ChatRoom) {
	putJSON(r.cache, r.log, NamespaceRooms, roomsCacheKey, rooms)
}

func (r *SyncRepository) cacheMessages(roomID string, msgs []Message) {
	putJSON(r.cache, r.log, NamespaceMessages, roomID, msgs)
}

// mergeMessagesIntoCache folds a fetched page into the cached working set.
// The first page replaces the set; later pages merge by id so a cursor
// fetch racing a stream emission cannot duplicate entries.
func (r *SyncRepository) mergeMessagesIntoCache(roomID string, page []Message, firstPage bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if firstPage {
		sorted := append([]Message(nil), page...)
		sortMessages(sorted)
		r.cacheMessages(roomID, TrimWorkingSet(sorted, r.workingSetLimit))
		return
	}
	cached, _ := r.messagesFromCache(roomID)
	seen := make(map[string]bool, len(cached))
	for _, m := range cached {
		seen[m.ID] = true
	}
	for _, m := range page {
		if !seen[m.ID] {
			cached = append(cached, m)
		}
	}
	sortMessages(cached)
	r.cacheMessages(roomID, TrimWorkingSet(cached, r.workingSetLimit))
}

// applyReadReceipts updates cached messages in ids with a read receipt for
// the current user. Status never regresses. Caller holds r.mu.
func (r *SyncRepository) applyReadReceipts(roomID string, ids map[string]bool, at time.Time) {
	msgs, ok := r.messagesFromCache(roomID)
	if !ok {
		return
	}
	for i := range msgs {
		if !ids[msgs[i].ID] {
			continue
		}
		if msgs[i].ReadBy == nil {
			msgs[i].ReadBy = make(map[string]time.Time)
		}
		if _, done := msgs[i].ReadBy[r.userID]; !done {
			msgs[i].ReadBy[r.userID] = at
		}
		if !msgs[i].Status.AtLeast(StatusRead) {
			msgs[i].Status = StatusRead
		}
	}
	r.cacheMessages(roomID, msgs)
}
