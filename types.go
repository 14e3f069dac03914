package tidechat

import (
	"sort"
	"time"
)

// ============================================================================
// Core Entities
// ============================================================================

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// MessageStatus is the delivery state of a message. It only ever moves
// forward: sent → delivered → read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

var statusRank = map[MessageStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// AtLeast reports whether s is as far along the delivery pipeline as other.
func (s MessageStatus) AtLeast(other MessageStatus) bool {
	return statusRank[s] >= statusRank[other]
}

// ChatRoom is a room document from the chatRooms collection.
type ChatRoom struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	CreatedBy       string     `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	Participants    []string   `json:"participants"`
	LastMessageID   string     `json:"lastMessageId,omitempty"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
}

// HasParticipant reports whether userID is a member of the room.
func (r *ChatRoom) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a message document from the messages collection.
type Message struct {
	ID        string               `json:"id"`
	RoomID    string               `json:"roomId"`
	SenderID  string               `json:"senderId"`
	Content   string               `json:"content"`
	Type      MessageType          `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Status    MessageStatus        `json:"status"`
	ReadBy    map[string]time.Time `json:"readBy,omitempty"`
}

// IsReadBy reports whether userID has a read receipt for the message.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// sortMessages orders messages by timestamp ascending, ties broken by id.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ============================================================================
// Stream Emissions
// ============================================================================

// RoomsSnapshot is one emission of a room-list stream. FromCache marks the
// single fallback emission produced after a stream error; a snapshot with
// FromCache set is always the last one on its stream.
type RoomsSnapshot struct {
	Rooms     []ChatRoom
	FromCache bool
}

// MessagesSnapshot is one emission of a per-room message stream.
type MessagesSnapshot struct {
	RoomID    string
	Messages  []Message
	FromCache bool
}
