package tidechat

import (
	"context"
	"time"
)

// ============================================================================
// Remote Store Boundary
// ============================================================================

// RemoteError is an error reported by the remote document store. Transient
// distinguishes connectivity problems (partition, timeout) from remote-side
// faults; the repository's cache-fallback rule depends on that distinction.
type RemoteError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// NewNetworkError builds a transient connectivity error.
func NewNetworkError(message string) *RemoteError {
	return &RemoteError{Code: "NETWORK", Message: message, Transient: true}
}

// NewServerError builds a remote-side error.
func NewServerError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// ============================================================================
// Watch Events
// ============================================================================

// RoomsEvent is one delivery from a room-list subscription. Err non-nil is
// terminal: the subscription delivers nothing after it.
type RoomsEvent struct {
	Rooms []ChatRoom
	Err   error
}

// MessagesEvent is one delivery from a per-room message subscription.
type MessagesEvent struct {
	Messages []Message
	Err      error
}

// ============================================================================
// RemoteStore
// ============================================================================

// RemoteStore is the hosted real-time document store, specified only at
// this boundary. Implementations must report connectivity problems as
// *RemoteError with Transient set.
//
// Watch methods return a delivery channel plus a cancel function. Cancel is
// synchronous: after it returns, nothing more is delivered and the channel
// is closed. An event carrying a non-nil Err is terminal.
type RemoteStore interface {
	// Rooms (chatRooms collection; GetRooms is a participants-contains
	// equality query).
	GetRooms(ctx context.Context, userID string) ([]ChatRoom, error)
	GetRoom(ctx context.Context, roomID string) (*ChatRoom, error)
	CreateRoom(ctx context.Context, room ChatRoom) error
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, roomID, userID string) error

	// Messages (messages collection; afterID is the pagination cursor,
	// empty for the first page).
	GetMessages(ctx context.Context, roomID string, limit int, afterID string) ([]Message, error)
	PutMessage(ctx context.Context, msg Message) error
	MarkRead(ctx context.Context, roomID, messageID, userID string, at time.Time) error
	// BatchMarkRead uses the store's batch-write capability: all receipts
	// land or none do.
	BatchMarkRead(ctx context.Context, roomID string, messageIDs []string, userID string, at time.Time) error

	// Real-time subscriptions.
	WatchRooms(ctx context.Context, userID string) (<-chan RoomsEvent, func(), error)
	WatchMessages(ctx context.Context, roomID string) (<-chan MessagesEvent, func(), error)
}
