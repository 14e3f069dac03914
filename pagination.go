package tidechat

import "sync"

// ============================================================================
// PaginationTracker
// ============================================================================

// Pagination defaults. MaxPageSize caps what a caller may request per page;
// DefaultWorkingSetLimit bounds the in-memory message list for a room no
// matter how many pages were fetched.
const (
	DefaultPageSize        = 20
	MaxPageSize            = 100
	DefaultWorkingSetLimit = 500
)

// PaginationState is the cursor state for one room's message history.
type PaginationState struct {
	RoomID      string
	PageSize    int
	LastItemID  string
	HasMore     bool
	TotalLoaded int
}

// PaginationTracker holds per-room cursor state. State is created on the
// first fetch for a room and discarded when the room is left.
type PaginationTracker struct {
	mu     sync.Mutex
	states map[string]*PaginationState
}

// NewPaginationTracker creates an empty tracker.
func NewPaginationTracker() *PaginationTracker {
	return &PaginationTracker{states: make(map[string]*PaginationState)}
}

// Init creates fresh state for roomID. pageSize is clamped to
// [1, MaxPageSize]; zero or negative means DefaultPageSize.
func (t *PaginationTracker) Init(roomID string, pageSize int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[roomID] = &PaginationState{
		RoomID:   roomID,
		PageSize: pageSize,
		HasMore:  true,
	}
}

// RecordPage advances the cursor past a fetched page. An empty page means
// the history is exhausted, not "try again": a short page also clears
// HasMore since the remote had nothing more to give.
func (t *PaginationTracker) RecordPage(roomID string, items []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[roomID]
	if !ok {
		return
	}
	if len(items) > 0 {
		st.LastItemID = items[len(items)-1].ID
	}
	st.HasMore = len(items) >= st.PageSize
	st.TotalLoaded += len(items)
}

// ShouldLoadMore is the scroll-triggered prefetch rule: load when the view
// is within threshold items of the start of the list and more history
// exists. totalVisible is accepted for contract parity with callers that
// track it; the rule keys only off the distance from the top.
func (t *PaginationTracker) ShouldLoadMore(roomID string, currentIndex, totalVisible, threshold int) bool {
	_ = totalVisible
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[roomID]
	if !ok {
		return false
	}
	return currentIndex <= threshold && st.HasMore
}

// State returns a copy of the room's cursor state.
func (t *PaginationTracker) State(roomID string) (PaginationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[roomID]
	if !ok {
		return PaginationState{}, false
	}
	return *st, true
}

// Reset rewinds the cursor to the beginning, keeping the page size.
func (t *PaginationTracker) Reset(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[roomID]
	if !ok {
		return
	}
	t.states[roomID] = &PaginationState{
		RoomID:   roomID,
		PageSize: st.PageSize,
		HasMore:  true,
	}
}

// Remove discards the room's state entirely.
func (t *PaginationTracker) Remove(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, roomID)
}

// TrimWorkingSet returns the most-recent maxItems suffix of items,
// preserving relative order. Pure function; it caps the memory cost of
// very long-lived room sessions independent of pages fetched.
func TrimWorkingSet(items []Message, maxItems int) []Message {
	if maxItems <= 0 || len(items) <= maxItems {
		return items
	}
	return items[len(items)-maxItems:]
}
