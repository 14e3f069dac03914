// Package tidechat is the client-side synchronization and caching layer of
// the Tidechat room-messaging service.
//
// It turns the remote real-time document feed into a bounded, resilient,
// offline-tolerant local view: reads fall back to a durable local cache on
// network or server failure, live streams are multiplexed onto a bounded
// pool of listeners with idle eviction, and per-room pagination cursors
// stay consistent as new data arrives.
//
// Example:
//
//	remote := tidechat.NewWSRemoteStore("wss://api.tidechat.io/sync", token, nil)
//	cache, _ := tidechat.NewSQLiteCache("tidechat.db", nil)
//	client := tidechat.NewClient(remote, "user-123", tidechat.WithCache(cache))
//	defer client.Close()
//
//	rooms, _ := client.GetChatRooms(ctx)
//	stream, _ := client.MessagesStream(ctx, rooms[0].ID)
//	defer stream.Stop()
//	for snap := range stream.C {
//		render(snap.Messages)
//	}
package tidechat

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

// ============================================================================
// Client Options
// ============================================================================

type clientConfig struct {
	log             *logrus.Logger
	cache           CacheStore
	maxListeners    int
	idleTimeout     time.Duration
	sweepInterval   time.Duration
	pageSize        int
	workingSetLimit int
}

// Option configures a Client.
type Option func(*clientConfig)

// WithLogger injects the logger used by every component.
func WithLogger(log *logrus.Logger) Option {
	return func(c *clientConfig) { c.log = log }
}

// WithCache selects the cache backend. Defaults to an in-memory cache;
// pass a SQLiteCache for a view that survives process restarts.
func WithCache(cache CacheStore) Option {
	return func(c *clientConfig) { c.cache = cache }
}

// WithMaxListeners bounds the live-subscription pool.
func WithMaxListeners(n int) Option {
	return func(c *clientConfig) { c.maxListeners = n }
}

// WithIdleTimeout sets how long an unrefreshed listener stays alive.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.idleTimeout = d }
}

// WithSweepInterval sets how often idle listeners are swept. Zero keeps
// the default; a negative value disables the background sweeper (sweeps
// then only happen via CleanupIdleListeners).
func WithSweepInterval(d time.Duration) Option {
	return func(c *clientConfig) { c.sweepInterval = d }
}

// WithPageSize sets the default message page size, clamped to
// [1, MaxPageSize].
func WithPageSize(n int) Option {
	return func(c *clientConfig) { c.pageSize = n }
}

// WithWorkingSetLimit caps the in-memory (and cached) message list per
// room.
func WithWorkingSetLimit(n int) Option {
	return func(c *clientConfig) { c.workingSetLimit = n }
}

// ============================================================================
// Client
// ============================================================================

// Client is the composition root. It owns the cache store, pagination
// tracker, listener registry, sync repository, and the idle-sweep
// goroutine; Close releases all of them. Nothing here is a process-wide
// singleton: construct one Client per authenticated session.
type Client struct {
	*SyncRepository

	cache     CacheStore
	pager     *PaginationTracker
	listeners *ListenerRegistry
	log       *logrus.Logger

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewClient assembles the sync layer for one authenticated user. The
// remote store and the user id come from the transport and auth
// collaborators respectively.
func NewClient(remote RemoteStore, userID string, opts ...Option) *Client {
	cfg := clientConfig{
		sweepInterval:   DefaultSweepInterval,
		pageSize:        DefaultPageSize,
		workingSetLimit: DefaultWorkingSetLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = defaultLogger()
	}
	if cfg.cache == nil {
		cfg.cache = NewMemoryCache()
	}

	pager := NewPaginationTracker()
	listeners := NewListenerRegistry(cfg.maxListeners, cfg.idleTimeout, cfg.log)
	repo := NewSyncRepository(remote, cfg.cache, pager, listeners, userID, cfg.log)
	if cfg.pageSize > 0 {
		repo.pageSize = cfg.pageSize
		if repo.pageSize > MaxPageSize {
			repo.pageSize = MaxPageSize
		}
	}
	if cfg.workingSetLimit > 0 {
		repo.workingSetLimit = cfg.workingSetLimit
	}

	c := &Client{
		SyncRepository: repo,
		cache:          cfg.cache,
		pager:          pager,
		listeners:      listeners,
		log:            cfg.log,
		stopSweep:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		go c.sweepLoop(cfg.sweepInterval)
	} else {
		close(c.sweepDone)
	}
	return c
}

func (c *Client) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			if n := c.listeners.CleanupIdle(); n > 0 {
				c.log.WithField("swept", n).Debug("idle listener sweep")
			}
		}
	}
}

// ActiveListeners returns metadata for every live subscription.
func (c *Client) ActiveListeners() []ListenerInfo {
	return c.listeners.ListActive()
}

// CleanupIdleListeners sweeps idle listeners on demand, returning how many
// were released.
func (c *Client) CleanupIdleListeners() int {
	return c.listeners.CleanupIdle()
}

// Close stops the sweeper, cancels every live subscription, and closes the
// cache backend. The client must not be used afterwards.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopSweep)
		<-c.sweepDone
		c.listeners.DisposeAll()
		err = c.cache.Close()
	})
	return err
}
