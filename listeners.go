package tidechat

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// ListenerRegistry
// ============================================================================

// Registry defaults. The pool bound keeps an unbounded number of potential
// subscriptions (one per visible room) multiplexed onto a fixed number of
// live listeners.
const (
	DefaultMaxActiveListeners = 10
	DefaultIdleTimeout        = 10 * time.Minute
	DefaultSweepInterval      = time.Minute
)

// Deterministic subscription keys.
const (
	ListenerKeyRooms = "rooms"

	listenerKeyMessagesPrefix = "messages:"
)

// MessagesListenerKey returns the registry key for a room's message stream.
func MessagesListenerKey(roomID string) string {
	return listenerKeyMessagesPrefix + roomID
}

// ListenerInfo is the caller-visible metadata for one live subscription.
type ListenerInfo struct {
	ID           string
	Description  string
	RegisteredAt time.Time
	RefreshedAt  time.Time
}

type listenerHandle struct {
	info     ListenerInfo
	seq      uint64 // registration order; eviction is oldest-first
	deadline time.Time
	stop     func()
}

// ListenerRegistry is a bounded pool of live subscription handles with
// idle-timeout eviction and oldest-first eviction under pressure.
//
// Eviction under pressure is FIFO by registration order, not LRU by last
// access; refresh only restarts the idle timer. Unregistering a handle
// (explicitly, by sweep, or by eviction) cancels the underlying
// subscription before the call returns.
type ListenerRegistry struct {
	mu          sync.Mutex
	handles     map[string]*listenerHandle
	seq         uint64
	maxActive   int
	idleTimeout time.Duration
	log         *logrus.Logger
}

// NewListenerRegistry creates a registry bounded at maxActive handles.
// Zero values fall back to the defaults.
func NewListenerRegistry(maxActive int, idleTimeout time.Duration, log *logrus.Logger) *ListenerRegistry {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveListeners
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = defaultLogger()
	}
	return &ListenerRegistry{
		handles:     make(map[string]*listenerHandle),
		maxActive:   maxActive,
		idleTimeout: idleTimeout,
		log:         log,
	}
}

// Register adds a subscription under id. A handle already registered under
// the same id is cancelled and replaced. If the pool is full, the
// oldest-registered handle is evicted to make room.
//
// The returned token identifies this particular registration; it lets a
// caller release its own handle without disturbing a replacement that has
// since taken over the id (see unregisterOwned).
// Stop callbacks can reach into a remote transport, so they are always
// invoked after the registry mutex is released; a slow cancellation never
// stalls other registrations.
func (r *ListenerRegistry) Register(id string, stop func(), description string) uint64 {
	now := time.Now()
	var stopped []func()

	r.mu.Lock()
	if old, ok := r.handles[id]; ok {
		stopped = append(stopped, old.stop)
		delete(r.handles, id)
	}

	for len(r.handles) >= r.maxActive {
		evicted := r.evictOldestLocked()
		if evicted == nil {
			break
		}
		stopped = append(stopped, evicted.stop)
	}

	r.seq++
	token := r.seq
	r.handles[id] = &listenerHandle{
		info: ListenerInfo{
			ID:           id,
			Description:  description,
			RegisteredAt: now,
			RefreshedAt:  now,
		},
		seq:      token,
		deadline: now.Add(r.idleTimeout),
		stop:     stop,
	}
	r.mu.Unlock()

	for _, stop := range stopped {
		stop()
	}
	return token
}

// evictOldestLocked removes and returns the handle with the smallest
// registration sequence. Caller holds the mutex and invokes the handle's
// stop after releasing it.
func (r *ListenerRegistry) evictOldestLocked() *listenerHandle {
	var oldest *listenerHandle
	for _, h := range r.handles {
		if oldest == nil || h.seq < oldest.seq {
			oldest = h
		}
	}
	if oldest == nil {
		return nil
	}
	delete(r.handles, oldest.info.ID)
	r.log.WithField("listener", oldest.info.ID).Debug("listener pool full, evicted oldest")
	return oldest
}

// Unregister cancels and removes the handle under id. The underlying
// subscription is cancelled synchronously: once this returns, a
// re-registration under the same id cannot observe events from the old
// subscription.
func (r *ListenerRegistry) Unregister(id string) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	r.mu.Unlock()
	if ok {
		h.stop()
	}
}

// unregisterOwned removes id only if it still belongs to the given
// registration token. A stream stopping after its key was replaced is a
// no-op here instead of killing the replacement.
func (r *ListenerRegistry) unregisterOwned(id string, token uint64) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if ok && h.seq == token {
		delete(r.handles, id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		h.stop()
	}
}

// Refresh restarts the idle timer for id without changing anything else.
func (r *ListenerRegistry) Refresh(id string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.info.RefreshedAt = now
		h.deadline = now.Add(r.idleTimeout)
	}
}

// IsActive reports whether id is registered and not past its idle deadline.
func (r *ListenerRegistry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return ok && time.Now().Before(h.deadline)
}

// ActiveCount returns the number of registered handles.
func (r *ListenerRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ListActive returns metadata for every handle not past its idle deadline.
func (r *ListenerRegistry) ListActive() []ListenerInfo {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ListenerInfo, 0, len(r.handles))
	for _, h := range r.handles {
		if now.Before(h.deadline) {
			infos = append(infos, h.info)
		}
	}
	return infos
}

// CleanupIdle cancels and removes every handle past its idle deadline,
// returning how many were swept. Safe to call periodically or on demand.
func (r *ListenerRegistry) CleanupIdle() int {
	now := time.Now()
	var stopped []func()
	r.mu.Lock()
	for id, h := range r.handles {
		if !now.Before(h.deadline) {
			stopped = append(stopped, h.stop)
			delete(r.handles, id)
			r.log.WithField("listener", id).Debug("listener idle, unregistered")
		}
	}
	r.mu.Unlock()
	for _, stop := range stopped {
		stop()
	}
	return len(stopped)
}

// DisposeAll cancels and removes every handle. No handle remains
// subscribed afterwards.
func (r *ListenerRegistry) DisposeAll() {
	var stopped []func()
	r.mu.Lock()
	for id, h := range r.handles {
		stopped = append(stopped, h.stop)
		delete(r.handles, id)
	}
	r.mu.Unlock()
	for _, stop := range stopped {
		stop()
	}
}
