package tidechat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake remote
// ============================================================================

// fakeRemote is a scripted RemoteStore. Error fields, when set, fail the
// corresponding call; watch feeds are plain channels the test writes to.
type fakeRemote struct {
	mu      sync.Mutex
	rooms   []ChatRoom
	history map[string][]Message // ascending by timestamp

	errGetRooms          error
	errGetMessages       error
	errCreateRoom        error
	errAddParticipant    error
	errRemoveParticipant error
	errPutMessage        error
	errMarkRead          error
	errBatchMarkRead     error
	errWatchRooms        error
	errWatchMessages     error

	getRoomsCalls    int
	getMessagesCalls int
	putMessageCalls  int
	batchMarkCalls   int
	roomsCancels     int
	msgCancels       int

	roomsFeed chan RoomsEvent
	msgFeeds  map[string][]chan MessagesEvent
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		history:  make(map[string][]Message),
		msgFeeds: make(map[string][]chan MessagesEvent),
	}
}

func (f *fakeRemote) GetRooms(ctx context.Context, userID string) ([]ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRoomsCalls++
	if f.errGetRooms != nil {
		return nil, f.errGetRooms
	}
	return append([]ChatRoom(nil), f.rooms...), nil
}

func (f *fakeRemote) GetRoom(ctx context.Context, roomID string) (*ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rooms {
		if f.rooms[i].ID == roomID {
			room := f.rooms[i]
			return &room, nil
		}
	}
	return nil, NewServerError(CodeNotFound, "no such room")
}

func (f *fakeRemote) CreateRoom(ctx context.Context, room ChatRoom) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errCreateRoom != nil {
		return f.errCreateRoom
	}
	f.rooms = append(f.rooms, room)
	return nil
}

func (f *fakeRemote) AddParticipant(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errAddParticipant != nil {
		return f.errAddParticipant
	}
	for i := range f.rooms {
		if f.rooms[i].ID == roomID && !f.rooms[i].HasParticipant(userID) {
			f.rooms[i].Participants = append(f.rooms[i].Participants, userID)
		}
	}
	return nil
}

func (f *fakeRemote) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errRemoveParticipant
}

func (f *fakeRemote) GetMessages(ctx context.Context, roomID string, limit int, afterID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getMessagesCalls++
	if f.errGetMessages != nil {
		return nil, f.errGetMessages
	}
	all := f.history[roomID]
	start := 0
	if afterID != "" {
		for i, m := range all {
			if m.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]Message(nil), all[start:end]...), nil
}

func (f *fakeRemote) PutMessage(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putMessageCalls++
	if f.errPutMessage != nil {
		return f.errPutMessage
	}
	f.history[msg.RoomID] = append(f.history[msg.RoomID], msg)
	return nil
}

func (f *fakeRemote) MarkRead(ctx context.Context, roomID, messageID, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errMarkRead != nil {
		return f.errMarkRead
	}
	f.markReadLocked(roomID, map[string]bool{messageID: true}, userID, at)
	return nil
}

func (f *fakeRemote) BatchMarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchMarkCalls++
	if f.errBatchMarkRead != nil {
		return f.errBatchMarkRead
	}
	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}
	f.markReadLocked(roomID, ids, userID, at)
	return nil
}

func (f *fakeRemote) markReadLocked(roomID string, ids map[string]bool, userID string, at time.Time) {
	msgs := f.history[roomID]
	for i := range msgs {
		if ids[msgs[i].ID] {
			if msgs[i].ReadBy == nil {
				msgs[i].ReadBy = make(map[string]time.Time)
			}
			msgs[i].ReadBy[userID] = at
			msgs[i].Status = StatusRead
		}
	}
}

func (f *fakeRemote) WatchRooms(ctx context.Context, userID string) (<-chan RoomsEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errWatchRooms != nil {
		return nil, nil, f.errWatchRooms
	}
	ch := make(chan RoomsEvent, 8)
	f.roomsFeed = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			f.roomsCancels++
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (f *fakeRemote) WatchMessages(ctx context.Context, roomID string) (<-chan MessagesEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errWatchMessages != nil {
		return nil, nil, f.errWatchMessages
	}
	ch := make(chan MessagesEvent, 8)
	f.msgFeeds[roomID] = append(f.msgFeeds[roomID], ch)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			f.msgCancels++
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

func (f *fakeRemote) lastMsgFeed(roomID string) chan MessagesEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	feeds := f.msgFeeds[roomID]
	if len(feeds) == 0 {
		return nil
	}
	return feeds[len(feeds)-1]
}

// ============================================================================
// Test harness
// ============================================================================

const testUser = "user-1"

func newTestRepo(remote RemoteStore) (*SyncRepository, *ListenerRegistry) {
	log := testLogger()
	reg := NewListenerRegistry(0, 0, log)
	repo := NewSyncRepository(remote, NewMemoryCache(), NewPaginationTracker(), reg, testUser, log)
	return repo, reg
}

func wantFailure(t *testing.T, err error, kind FailureKind) *Failure {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s failure", kind)
	}
	f, ok := AsFailure(err)
	if !ok {
		t.Fatalf("error %v is not a *Failure", err)
	}
	if f.Kind != kind {
		t.Fatalf("failure kind = %s, want %s (err: %v)", f.Kind, kind, err)
	}
	return f
}

func recvRooms(t *testing.T, ch <-chan RoomsSnapshot) (RoomsSnapshot, bool) {
	t.Helper()
	select {
	case snap, ok := <-ch:
		return snap, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rooms snapshot")
		return RoomsSnapshot{}, false
	}
}

func recvMessages(t *testing.T, ch <-chan MessagesSnapshot) (MessagesSnapshot, bool) {
	t.Helper()
	select {
	case snap, ok := <-ch:
		return snap, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for messages snapshot")
		return MessagesSnapshot{}, false
	}
}

func testRoom(id, name string, participants ...string) ChatRoom {
	return ChatRoom{
		ID:           id,
		Name:         name,
		CreatedBy:    participants[0],
		CreatedAt:    time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Participants: participants,
	}
}

// ============================================================================
// Room fetches
// ============================================================================

func TestGetChatRoomsWritesThrough(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{testRoom("room-1", "General", testUser, "user-2")}
	repo, _ := newTestRepo(remote)

	rooms, err := repo.GetChatRooms(context.Background())
	if err != nil {
		t.Fatalf("GetChatRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "room-1" {
		t.Fatalf("rooms = %+v", rooms)
	}

	cached, ok := repo.GetCachedRooms()
	if !ok {
		t.Fatal("room list not written through to cache")
	}
	if len(cached) != 1 || cached[0].Name != "General" {
		t.Errorf("cached = %+v", cached)
	}
}

func TestGetChatRoomsFallsBackToCache(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{testRoom("room-1", "General", testUser)}
	repo, _ := newTestRepo(remote)

	if _, err := repo.GetChatRooms(context.Background()); err != nil {
		t.Fatalf("prime: %v", err)
	}

	remote.errGetRooms = NewNetworkError("connection refused")
	rooms, err := repo.GetChatRooms(context.Background())
	if err != nil {
		t.Fatalf("expected cache fallback, got %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "room-1" {
		t.Errorf("fallback rooms = %+v", rooms)
	}

	// Server-side failures fall back the same way.
	remote.errGetRooms = NewServerError("INTERNAL", "boom")
	if _, err := repo.GetChatRooms(context.Background()); err != nil {
		t.Errorf("server failure with warm cache: %v", err)
	}
}

func TestGetChatRoomsFailureWithColdCache(t *testing.T) {
	remote := newFakeRemote()
	remote.errGetRooms = NewNetworkError("connection refused")
	repo, _ := newTestRepo(remote)

	_, err := repo.GetChatRooms(context.Background())
	f := wantFailure(t, err, FailureNetwork)
	if !f.IsTransient() {
		t.Error("network failure not transient")
	}
	if f.Op != "getChatRooms" {
		t.Errorf("Op = %q", f.Op)
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Error("original RemoteError lost from the chain")
	}
}

// ============================================================================
// Message fetches and pagination
// ============================================================================

func TestGetMessagesValidatesRoomID(t *testing.T) {
	remote := newFakeRemote()
	repo, _ := newTestRepo(remote)

	_, err := repo.GetMessages(context.Background(), "", nil)
	wantFailure(t, err, FailureValidation)
	if remote.getMessagesCalls != 0 {
		t.Error("validation failure still hit the remote")
	}
}

func TestMessagePaginationFlow(t *testing.T) {
	remote := newFakeRemote()
	remote.history["room-1"] = makeMessages("room-1", 0, 45)
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	page, err := repo.GetMessages(ctx, "room-1", &MessagesOptions{Limit: 20})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 20 || page[0].ID != "msg-0000" {
		t.Fatalf("first page = %d msgs, first %s", len(page), page[0].ID)
	}

	page, err = repo.LoadMoreMessages(ctx, "room-1")
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 20 || page[0].ID != "msg-0020" {
		t.Fatalf("second page = %d msgs, first %s", len(page), page[0].ID)
	}

	page, err = repo.LoadMoreMessages(ctx, "room-1")
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("third page = %d msgs, want 5", len(page))
	}

	st, _ := repo.PaginationState("room-1")
	if st.HasMore {
		t.Error("HasMore = true after short page")
	}
	if st.TotalLoaded != 45 {
		t.Errorf("TotalLoaded = %d, want 45", st.TotalLoaded)
	}

	// Exhausted history short-circuits without a remote call.
	calls := remote.getMessagesCalls
	page, err = repo.LoadMoreMessages(ctx, "room-1")
	if err != nil || page != nil {
		t.Errorf("after exhaustion: page=%v err=%v", page, err)
	}
	if remote.getMessagesCalls != calls {
		t.Error("exhausted LoadMoreMessages hit the remote")
	}

	// Every fetched page landed in the cached working set, deduplicated
	// and in order.
	cached, ok := repo.GetCachedMessages("room-1")
	if !ok {
		t.Fatal("no cached working set")
	}
	if len(cached) != 45 {
		t.Fatalf("cached = %d msgs, want 45", len(cached))
	}
	for i := 1; i < len(cached); i++ {
		if cached[i].Timestamp.Before(cached[i-1].Timestamp) {
			t.Fatalf("cached working set out of order at %d", i)
		}
	}
}

func TestGetMessagesFallsBackToCache(t *testing.T) {
	remote := newFakeRemote()
	remote.history["room-1"] = makeMessages("room-1", 0, 10)
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetMessages(ctx, "room-1", nil); err != nil {
		t.Fatalf("prime: %v", err)
	}

	remote.errGetMessages = NewNetworkError("timeout")
	msgs, err := repo.GetMessages(ctx, "room-1", nil)
	if err != nil {
		t.Fatalf("expected cache fallback, got %v", err)
	}
	if len(msgs) != 10 {
		t.Errorf("fallback = %d msgs, want 10", len(msgs))
	}

	// Cold cache: the classified failure comes through.
	_, err = repo.GetMessages(ctx, "room-2", nil)
	wantFailure(t, err, FailureNetwork)
}

// ============================================================================
// Mutations
// ============================================================================

func TestSendMessageValidation(t *testing.T) {
	remote := newFakeRemote()
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	cases := []struct {
		name    string
		roomID  string
		content string
		msgType MessageType
	}{
		{"empty room", "", "hi", MessageText},
		{"empty content", "room-1", "   ", MessageText},
		{"oversize content", "room-1", strings.Repeat("a", MaxMessageLength+1), MessageText},
		{"unknown type", "room-1", "hi", MessageType("sticker")},
	}
	for _, tc := range cases {
		_, err := repo.SendMessage(ctx, tc.roomID, tc.content, tc.msgType)
		if f, ok := AsFailure(err); !ok || f.Kind != FailureValidation {
			t.Errorf("%s: err = %v, want validation failure", tc.name, err)
		}
	}
	if remote.putMessageCalls != 0 {
		t.Errorf("validation failures hit the remote %d times", remote.putMessageCalls)
	}
}

func TestSendMessageWritesThrough(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{testRoom("room-1", "General", testUser)}
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetChatRooms(ctx); err != nil {
		t.Fatalf("prime rooms: %v", err)
	}

	msg, err := repo.SendMessage(ctx, "room-1", "hello there", "")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID == "" || msg.SenderID != testUser || msg.Type != MessageText || msg.Status != StatusSent {
		t.Fatalf("msg = %+v", msg)
	}

	cached, ok := repo.GetCachedMessages("room-1")
	if !ok || len(cached) != 1 || cached[0].ID != msg.ID {
		t.Errorf("cached working set = %+v", cached)
	}

	rooms, _ := repo.GetCachedRooms()
	if rooms[0].LastMessageID != msg.ID {
		t.Errorf("LastMessageID = %q, want %q", rooms[0].LastMessageID, msg.ID)
	}
	if rooms[0].LastMessageTime == nil || !rooms[0].LastMessageTime.Equal(msg.Timestamp) {
		t.Errorf("LastMessageTime = %v", rooms[0].LastMessageTime)
	}
}

func TestSendMessageFailureIsNeverMasked(t *testing.T) {
	remote := newFakeRemote()
	remote.errPutMessage = NewNetworkError("connection reset")
	repo, _ := newTestRepo(remote)

	_, err := repo.SendMessage(context.Background(), "room-1", "hello", MessageText)
	wantFailure(t, err, FailureNetwork)

	if _, ok := repo.GetCachedMessages("room-1"); ok {
		t.Error("failed send left a cached message")
	}
}

func TestCreateChatRoom(t *testing.T) {
	remote := newFakeRemote()
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.CreateChatRoom(ctx, "  ", "", nil); err == nil {
		t.Error("blank name accepted")
	}
	if _, err := repo.CreateChatRoom(ctx, strings.Repeat("n", MaxRoomNameLength+1), "", nil); err == nil {
		t.Error("oversize name accepted")
	}

	room, err := repo.CreateChatRoom(ctx, "Design", "pixels", []string{"user-2", testUser, "", "user-3", "user-2"})
	if err != nil {
		t.Fatalf("CreateChatRoom: %v", err)
	}
	if room.CreatedBy != testUser {
		t.Errorf("CreatedBy = %q", room.CreatedBy)
	}
	if len(room.Participants) != 3 || room.Participants[0] != testUser {
		t.Errorf("Participants = %v, want creator first and deduplicated", room.Participants)
	}

	cached, ok := repo.GetCachedRooms()
	if !ok || len(cached) != 1 || cached[0].ID != room.ID {
		t.Errorf("cached rooms = %+v", cached)
	}

	remote.errCreateRoom = NewServerError("QUOTA", "too many rooms")
	if _, err := repo.CreateChatRoom(ctx, "Another", "", nil); err == nil {
		t.Error("remote failure masked")
	}
	if cached, _ := repo.GetCachedRooms(); len(cached) != 1 {
		t.Error("failed create mutated the cached list")
	}
}

func TestJoinChatRoomUpdatesCache(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{testRoom("room-1", "General", "user-2")}
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetChatRooms(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if err := repo.JoinChatRoom(ctx, "room-1"); err != nil {
		t.Fatalf("JoinChatRoom: %v", err)
	}

	cached, _ := repo.GetCachedRooms()
	if !cached[0].HasParticipant(testUser) {
		t.Error("current user missing from cached participants after join")
	}
}

func TestLeaveChatRoomCleansUpEverything(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{
		testRoom("room-1", "General", testUser),
		testRoom("room-2", "Random", testUser),
	}
	remote.history["room-1"] = makeMessages("room-1", 0, 10)
	repo, reg := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetChatRooms(ctx); err != nil {
		t.Fatalf("prime rooms: %v", err)
	}
	if _, err := repo.GetMessages(ctx, "room-1", nil); err != nil {
		t.Fatalf("prime messages: %v", err)
	}
	stream, err := repo.MessagesStream(ctx, "room-1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Stop()

	if err := repo.LeaveChatRoom(ctx, "room-1"); err != nil {
		t.Fatalf("LeaveChatRoom: %v", err)
	}

	if _, ok := repo.GetCachedMessages("room-1"); ok {
		t.Error("cached messages survived leaving the room")
	}
	if _, ok := repo.PaginationState("room-1"); ok {
		t.Error("pagination state survived leaving the room")
	}
	if reg.IsActive(MessagesListenerKey("room-1")) {
		t.Error("message listener survived leaving the room")
	}
	cached, _ := repo.GetCachedRooms()
	if len(cached) != 1 || cached[0].ID != "room-2" {
		t.Errorf("cached rooms after leave = %+v", cached)
	}

	// The stream's channel drains and closes.
	for {
		_, ok := recvMessages(t, stream.C)
		if !ok {
			break
		}
	}
}

func TestUnsupportedOperations(t *testing.T) {
	repo, _ := newTestRepo(newFakeRemote())
	ctx := context.Background()

	ops := map[string]error{
		"UpdateChatRoom": repo.UpdateChatRoom(ctx, "room-1"),
		"DeleteChatRoom": repo.DeleteChatRoom(ctx, "room-1"),
		"UpdateMessage":  repo.UpdateMessage(ctx, "room-1", "msg-1"),
		"DeleteMessage":  repo.DeleteMessage(ctx, "room-1", "msg-1"),
	}
	for name, err := range ops {
		f := wantFailure(t, err, FailureServer)
		if f.Code != CodeUnsupported {
			t.Errorf("%s: Code = %q, want %q", name, f.Code, CodeUnsupported)
		}
		if f.IsTransient() {
			t.Errorf("%s: unsupported op reported as transient", name)
		}
	}
}

// ============================================================================
// Read receipts and derived reads
// ============================================================================

func TestMarkMessageAsRead(t *testing.T) {
	remote := newFakeRemote()
	remote.history["room-1"] = makeMessages("room-1", 0, 3)
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetMessages(ctx, "room-1", nil); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if err := repo.MarkMessageAsRead(ctx, "room-1", "msg-0001"); err != nil {
		t.Fatalf("MarkMessageAsRead: %v", err)
	}

	cached, _ := repo.GetCachedMessages("room-1")
	for _, m := range cached {
		switch m.ID {
		case "msg-0001":
			if !m.IsReadBy(testUser) {
				t.Error("read receipt missing")
			}
			if m.Status != StatusRead {
				t.Errorf("Status = %s, want %s", m.Status, StatusRead)
			}
		default:
			if m.IsReadBy(testUser) {
				t.Errorf("%s: unexpected read receipt", m.ID)
			}
		}
	}
}

func TestMarkAllMessagesAsRead(t *testing.T) {
	remote := newFakeRemote()
	history := makeMessages("room-1", 0, 5)
	history[2].SenderID = testUser // own messages are never counted unread
	remote.history["room-1"] = history
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if err := repo.MarkAllMessagesAsRead(ctx, "room-1"); err != nil {
		t.Fatalf("MarkAllMessagesAsRead: %v", err)
	}
	if remote.batchMarkCalls != 1 {
		t.Fatalf("batch calls = %d, want 1", remote.batchMarkCalls)
	}

	count, err := repo.GetUnreadMessageCount(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetUnreadMessageCount: %v", err)
	}
	if count != 0 {
		t.Errorf("unread after mark-all = %d, want 0", count)
	}

	// Nothing left unread: no second batch write.
	if err := repo.MarkAllMessagesAsRead(ctx, "room-1"); err != nil {
		t.Fatalf("second MarkAllMessagesAsRead: %v", err)
	}
	if remote.batchMarkCalls != 1 {
		t.Errorf("batch calls = %d after no-op pass, want 1", remote.batchMarkCalls)
	}
}

func TestUnreadCounts(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{
		testRoom("room-1", "General", testUser, "user-2"),
		testRoom("room-2", "Random", testUser, "user-2"),
	}
	h1 := makeMessages("room-1", 0, 4)
	h1[0].SenderID = testUser
	h1[1].ReadBy = map[string]time.Time{testUser: time.Now()}
	remote.history["room-1"] = h1
	remote.history["room-2"] = makeMessages("room-2", 0, 3)
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	count, err := repo.GetUnreadMessageCount(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetUnreadMessageCount: %v", err)
	}
	if count != 2 {
		t.Errorf("room-1 unread = %d, want 2", count)
	}

	total, err := repo.GetTotalUnreadMessageCount(ctx)
	if err != nil {
		t.Fatalf("GetTotalUnreadMessageCount: %v", err)
	}
	if total != 5 {
		t.Errorf("total unread = %d, want 5", total)
	}
}

func TestSearchMessages(t *testing.T) {
	remote := newFakeRemote()
	history := makeMessages("room-1", 0, 20)
	history[3].Content = "Deploy the API gateway"
	history[7].Content = "the deploy went fine"
	history[9].Content = "unrelated chatter"
	remote.history["room-1"] = history
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.SearchMessages(ctx, "room-1", "   ", 0); err == nil {
		t.Error("blank query accepted")
	}

	results, err := repo.SearchMessages(ctx, "room-1", "DEPLOY", 0)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	results, err = repo.SearchMessages(ctx, "room-1", "message", 5)
	if err != nil {
		t.Fatalf("SearchMessages with limit: %v", err)
	}
	if len(results) != 5 {
		t.Errorf("limited results = %d, want 5", len(results))
	}
}

// ============================================================================
// Streams
// ============================================================================

func TestChatRoomsStreamLiveThenError(t *testing.T) {
	remote := newFakeRemote()
	repo, reg := newTestRepo(remote)

	stream := repo.ChatRoomsStream(context.Background())
	defer stream.Stop()
	if !reg.IsActive(ListenerKeyRooms) {
		t.Fatal("rooms listener not registered")
	}

	live := []ChatRoom{testRoom("room-1", "General", testUser)}
	remote.roomsFeed <- RoomsEvent{Rooms: live}
	snap, ok := recvRooms(t, stream.C)
	if !ok {
		t.Fatal("stream closed before first snapshot")
	}
	if snap.FromCache {
		t.Error("live snapshot marked FromCache")
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].ID != "room-1" {
		t.Fatalf("snapshot rooms = %+v", snap.Rooms)
	}
	if cached, ok := repo.GetCachedRooms(); !ok || len(cached) != 1 {
		t.Error("live emission not written through to cache")
	}

	// A stream error yields exactly one cached snapshot, then the end.
	remote.roomsFeed <- RoomsEvent{Err: NewNetworkError("connection lost")}
	snap, ok = recvRooms(t, stream.C)
	if !ok {
		t.Fatal("stream closed without fallback snapshot")
	}
	if !snap.FromCache {
		t.Error("fallback snapshot not marked FromCache")
	}
	if len(snap.Rooms) != 1 {
		t.Errorf("fallback rooms = %+v", snap.Rooms)
	}
	if _, ok := recvRooms(t, stream.C); ok {
		t.Error("emission after the terminal fallback snapshot")
	}
	if reg.IsActive(ListenerKeyRooms) {
		t.Error("listener still registered after stream error")
	}
}

// Repeated open → error → read cycles: the terminal cached snapshot must
// arrive every single time, not just when the scheduler cooperates.
func TestStreamErrorFallbackAlwaysDelivered(t *testing.T) {
	for i := 0; i < 150; i++ {
		remote := newFakeRemote()
		repo, _ := newTestRepo(remote)
		ctx := context.Background()

		rooms := repo.ChatRoomsStream(ctx)
		remote.roomsFeed <- RoomsEvent{Err: NewNetworkError("connection lost")}
		snap, ok := recvRooms(t, rooms.C)
		if !ok {
			t.Fatalf("run %d: rooms stream closed without the fallback snapshot", i)
		}
		if !snap.FromCache {
			t.Fatalf("run %d: rooms fallback not marked FromCache", i)
		}
		if _, ok := recvRooms(t, rooms.C); ok {
			t.Fatalf("run %d: rooms emission after the terminal fallback", i)
		}
		rooms.Stop()

		msgs, err := repo.MessagesStream(ctx, "room-1")
		if err != nil {
			t.Fatalf("run %d: MessagesStream: %v", i, err)
		}
		remote.lastMsgFeed("room-1") <- MessagesEvent{Err: NewNetworkError("connection lost")}
		msnap, ok := recvMessages(t, msgs.C)
		if !ok {
			t.Fatalf("run %d: messages stream closed without the fallback snapshot", i)
		}
		if !msnap.FromCache {
			t.Fatalf("run %d: messages fallback not marked FromCache", i)
		}
		if _, ok := recvMessages(t, msgs.C); ok {
			t.Fatalf("run %d: messages emission after the terminal fallback", i)
		}
		msgs.Stop()
	}
}

func TestChatRoomsStreamOpenFailureEmitsCacheOnce(t *testing.T) {
	remote := newFakeRemote()
	remote.rooms = []ChatRoom{testRoom("room-1", "General", testUser)}
	repo, reg := newTestRepo(remote)
	ctx := context.Background()

	if _, err := repo.GetChatRooms(ctx); err != nil {
		t.Fatalf("prime: %v", err)
	}

	remote.errWatchRooms = NewNetworkError("offline")
	stream := repo.ChatRoomsStream(ctx)
	defer stream.Stop()

	snap, ok := recvRooms(t, stream.C)
	if !ok {
		t.Fatal("no fallback snapshot")
	}
	if !snap.FromCache || len(snap.Rooms) != 1 {
		t.Errorf("fallback snapshot = %+v", snap)
	}
	if _, ok := recvRooms(t, stream.C); ok {
		t.Error("more than one snapshot from a failed open")
	}
	if reg.ActiveCount() != 0 {
		t.Error("failed open left a registered listener")
	}
}

func TestMessagesStreamTrimsAndCaches(t *testing.T) {
	remote := newFakeRemote()
	repo, _ := newTestRepo(remote)
	repo.workingSetLimit = 5

	stream, err := repo.MessagesStream(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("MessagesStream: %v", err)
	}
	defer stream.Stop()

	remote.lastMsgFeed("room-1") <- MessagesEvent{Messages: makeMessages("room-1", 0, 8)}
	snap, ok := recvMessages(t, stream.C)
	if !ok {
		t.Fatal("stream closed before first snapshot")
	}
	if len(snap.Messages) != 5 {
		t.Fatalf("snapshot = %d msgs, want working-set cap 5", len(snap.Messages))
	}
	if snap.Messages[0].ID != "msg-0003" {
		t.Errorf("oldest kept = %s, want msg-0003", snap.Messages[0].ID)
	}
	if snap.RoomID != "room-1" {
		t.Errorf("RoomID = %q", snap.RoomID)
	}

	cached, ok := repo.GetCachedMessages("room-1")
	if !ok || len(cached) != 5 {
		t.Errorf("cached working set = %d msgs, want 5", len(cached))
	}
}

func TestMessagesStreamValidatesRoomID(t *testing.T) {
	repo, _ := newTestRepo(newFakeRemote())
	_, err := repo.MessagesStream(context.Background(), "")
	wantFailure(t, err, FailureValidation)
}

func TestStreamStopIsSynchronousAndIdempotent(t *testing.T) {
	remote := newFakeRemote()
	repo, reg := newTestRepo(remote)

	stream, err := repo.MessagesStream(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("MessagesStream: %v", err)
	}
	stream.Stop()
	stream.Stop()

	if reg.IsActive(MessagesListenerKey("room-1")) {
		t.Error("listener still registered after Stop")
	}
	remote.mu.Lock()
	cancels := remote.msgCancels
	remote.mu.Unlock()
	if cancels != 1 {
		t.Errorf("remote cancel called %d times, want 1", cancels)
	}
	if _, ok := recvMessages(t, stream.C); ok {
		t.Error("snapshot delivered after Stop")
	}
}

func TestMessagesStreamReplacement(t *testing.T) {
	remote := newFakeRemote()
	repo, reg := newTestRepo(remote)
	ctx := context.Background()

	first, err := repo.MessagesStream(ctx, "room-1")
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	second, err := repo.MessagesStream(ctx, "room-1")
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	defer second.Stop()

	// Opening the second stream cancelled the first.
	if _, ok := recvMessages(t, first.C); ok {
		t.Error("replaced stream still delivering")
	}

	// Stopping the stale handle must not disturb the replacement.
	first.Stop()
	if !reg.IsActive(MessagesListenerKey("room-1")) {
		t.Fatal("stale Stop unregistered the replacement")
	}

	remote.lastMsgFeed("room-1") <- MessagesEvent{Messages: makeMessages("room-1", 0, 2)}
	snap, ok := recvMessages(t, second.C)
	if !ok {
		t.Fatal("replacement stream closed")
	}
	if len(snap.Messages) != 2 {
		t.Errorf("snapshot = %d msgs, want 2", len(snap.Messages))
	}
}

// TestOfflineSession walks the whole lifecycle: create a room, send a few
// messages while watching the room, lose the connection, and keep reading
// the conversation from the cache.
func TestOfflineSession(t *testing.T) {
	remote := newFakeRemote()
	repo, _ := newTestRepo(remote)
	ctx := context.Background()

	room, err := repo.CreateChatRoom(ctx, "Standup", "", []string{"user-2"})
	if err != nil {
		t.Fatalf("CreateChatRoom: %v", err)
	}

	stream, err := repo.MessagesStream(ctx, room.ID)
	if err != nil {
		t.Fatalf("MessagesStream: %v", err)
	}
	defer stream.Stop()

	var sent []Message
	for _, content := range []string{"a", "b", "c"} {
		msg, err := repo.SendMessage(ctx, room.ID, content, MessageText)
		if err != nil {
			t.Fatalf("SendMessage %q: %v", content, err)
		}
		sent = append(sent, *msg)
		remote.mu.Lock()
		snapshot := append([]Message(nil), remote.history[room.ID]...)
		remote.mu.Unlock()
		remote.lastMsgFeed(room.ID) <- MessagesEvent{Messages: snapshot}
	}

	// The stream delivers the growing conversation in order.
	for i := range sent {
		snap, ok := recvMessages(t, stream.C)
		if !ok {
			t.Fatalf("stream closed on snapshot %d", i)
		}
		if len(snap.Messages) != i+1 {
			t.Fatalf("snapshot %d = %d msgs, want %d", i, len(snap.Messages), i+1)
		}
		if snap.Messages[i].Content != sent[i].Content {
			t.Fatalf("snapshot %d newest = %q, want %q", i, snap.Messages[i].Content, sent[i].Content)
		}
	}

	// Connection drops: fetches now serve the cached conversation.
	remote.mu.Lock()
	remote.errGetMessages = NewNetworkError("connection lost")
	remote.errGetRooms = NewNetworkError("connection lost")
	remote.mu.Unlock()

	msgs, err := repo.GetMessages(ctx, room.ID, nil)
	if err != nil {
		t.Fatalf("offline GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("offline = %d msgs, want 3", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if msgs[i].Content != want {
			t.Errorf("offline msg %d = %q, want %q", i, msgs[i].Content, want)
		}
	}

	rooms, err := repo.GetChatRooms(ctx)
	if err != nil {
		t.Fatalf("offline GetChatRooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Errorf("offline rooms = %+v", rooms)
	}
	if rooms[0].LastMessageID != sent[2].ID {
		t.Errorf("LastMessageID = %q, want %q", rooms[0].LastMessageID, sent[2].ID)
	}
}

func TestStreamsShareTheListenerPool(t *testing.T) {
	remote := newFakeRemote()
	log := testLogger()
	reg := NewListenerRegistry(2, time.Minute, log)
	repo := NewSyncRepository(remote, NewMemoryCache(), NewPaginationTracker(), reg, testUser, log)
	ctx := context.Background()

	s1, err := repo.MessagesStream(ctx, "room-1")
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Stop()
	s2, err := repo.MessagesStream(ctx, "room-2")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Stop()
	s3, err := repo.MessagesStream(ctx, "room-3")
	if err != nil {
		t.Fatal(err)
	}
	defer s3.Stop()

	// The pool is bounded: the oldest stream was evicted and closed.
	if reg.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", reg.ActiveCount())
	}
	if reg.IsActive(MessagesListenerKey("room-1")) {
		t.Error("oldest stream survived pool pressure")
	}
	if _, ok := recvMessages(t, s1.C); ok {
		t.Error("evicted stream still delivering")
	}
	if !reg.IsActive(MessagesListenerKey("room-2")) || !reg.IsActive(MessagesListenerKey("room-3")) {
		t.Error("newer streams missing from the pool")
	}
}
