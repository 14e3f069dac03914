package tidechat

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"
)

// ============================================================================
// CacheStore
// ============================================================================

// Cache namespaces. Each is a flat string-keyed store of serialized JSON.
const (
	NamespaceRooms    = "chat_rooms"
	NamespaceMessages = "messages"
	NamespaceUserData = "user_data"
	NamespaceSettings = "settings"
)

// CacheStore is durable namespaced key/value persistence for the sync layer.
//
// The contract is deliberately infallible from the caller's perspective:
// Get on a missing key returns absent, and a persistence fault degrades to
// absent with a logged warning. Losing the cache must never take down the
// sync layer.
type CacheStore interface {
	Put(namespace, key string, value []byte)
	Get(namespace, key string) ([]byte, bool)
	Delete(namespace, key string)
	Clear(namespace string)
	Close() error
}

// putJSON serializes v into the store. Marshal errors are programming
// errors on our own types; they are logged and dropped.
func putJSON(c CacheStore, log *logrus.Logger, namespace, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("namespace", namespace).Warn("cache: marshal failed")
		return
	}
	c.Put(namespace, key, data)
}

// getJSON reads and deserializes a cached value. A corrupt entry is treated
// as absent.
func getJSON(c CacheStore, log *logrus.Logger, namespace, key string, v any) bool {
	data, ok := c.Get(namespace, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.WithError(err).WithField("namespace", namespace).Warn("cache: corrupt entry, treating as absent")
		return false
	}
	return true
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory backend. It does not survive a
// process restart; it is the default for tests and short-lived embedders.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string]map[string][]byte)}
}

func (c *MemoryCache) Put(namespace, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		c.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
}

func (c *MemoryCache) Get(namespace, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[namespace][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (c *MemoryCache) Delete(namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data[namespace], key)
}

func (c *MemoryCache) Clear(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, namespace)
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// SQLiteCache
// ============================================================================

// SQLiteCache persists entries to a local SQLite file, so the cache
// survives process restarts. WAL mode keeps concurrent room streams from
// serializing on the writer.
type SQLiteCache struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteCache opens (or creates) the cache database at path.
func NewSQLiteCache(path string, log *logrus.Logger) (*SQLiteCache, error) {
	if log == nil {
		log = defaultLogger()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db, log: log}, nil
}

func (c *SQLiteCache) Put(namespace, key string, value []byte) {
	_, err := c.db.Exec(`
		INSERT INTO cache_entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UnixMilli())
	if err != nil {
		c.fault("put", namespace, err)
	}
}

func (c *SQLiteCache) Get(namespace, key string) ([]byte, bool) {
	var value []byte
	err := c.db.QueryRow(
		`SELECT value FROM cache_entries WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.fault("get", namespace, err)
		return nil, false
	}
	return value, true
}

func (c *SQLiteCache) Delete(namespace, key string) {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		c.fault("delete", namespace, err)
	}
}

func (c *SQLiteCache) Clear(namespace string) {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
		c.fault("clear", namespace, err)
	}
}

func (c *SQLiteCache) Close() error { return c.db.Close() }

func (c *SQLiteCache) fault(op, namespace string, err error) {
	c.log.WithError(err).WithFields(logrus.Fields{
		"op":        op,
		"namespace": namespace,
	}).Warn("cache: sqlite fault, degrading to absent")
}

// ============================================================================
// RedisCache
// ============================================================================

const redisOpTimeout = 3 * time.Second

// RedisCache stores entries in Redis, for headless deployments of the SDK
// (bots, bridges) that share a cache across processes. A per-namespace
// index set backs Clear so no SCAN is needed.
type RedisCache struct {
	client *redis.Client
	log    *logrus.Logger
}

// NewRedisCache wraps an already-connected client. The caller owns the
// client's configuration; Close closes it.
func NewRedisCache(client *redis.Client, log *logrus.Logger) *RedisCache {
	if log == nil {
		log = defaultLogger()
	}
	return &RedisCache{client: client, log: log}
}

func redisKey(namespace, key string) string { return "tidechat:" + namespace + ":" + key }
func redisIndex(namespace string) string    { return "tidechat:idx:" + namespace }

func (c *RedisCache) Put(namespace, key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, redisKey(namespace, key), value, 0)
	pipe.SAdd(ctx, redisIndex(namespace), key)
	if _, err := pipe.Exec(ctx); err != nil {
		c.fault("put", namespace, err)
	}
}

func (c *RedisCache) Get(namespace, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	data, err := c.client.Get(ctx, redisKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.fault("get", namespace, err)
		return nil, false
	}
	return data, true
}

func (c *RedisCache) Delete(namespace, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, redisKey(namespace, key))
	pipe.SRem(ctx, redisIndex(namespace), key)
	if _, err := pipe.Exec(ctx); err != nil {
		c.fault("delete", namespace, err)
	}
}

func (c *RedisCache) Clear(namespace string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	keys, err := c.client.SMembers(ctx, redisIndex(namespace)).Result()
	if err != nil {
		c.fault("clear", namespace, err)
		return
	}
	full := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		full = append(full, redisKey(namespace, k))
	}
	full = append(full, redisIndex(namespace))
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.fault("clear", namespace, err)
	}
}

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) fault(op, namespace string, err error) {
	c.log.WithError(err).WithFields(logrus.Fields{
		"op":        op,
		"namespace": namespace,
	}).Warn("cache: redis fault, degrading to absent")
}
