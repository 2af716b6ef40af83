// Package cachestore implements the versioned response store backing the
// offline resilience layer. Entries live inside a single named generation;
// activating a generation purges every other generation wholesale. There is
// no per-key expiry.
package cachestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("cachestore: entry not found")

// ErrNotCacheable is returned when a non-GET response is offered for storage.
var ErrNotCacheable = errors.New("cachestore: only GET responses are cacheable")

const generationPrefix = "g:"

// generation and key are joined with a NUL so generation names cannot
// collide with key text.
const keySep = "\x00"

// Entry is a stored response snapshot.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Config contains cache store configuration
type Config struct {
	// Directory for the badger database
	DataDir string

	// Name of the current cache generation
	Generation string

	// Size of the in-memory hot layer (0 disables it)
	HotEntries int

	// Expiry for hot-layer entries
	HotExpiration time.Duration
}

// DefaultConfig returns a default cache store configuration
func DefaultConfig() Config {
	return Config{
		DataDir:       "./data/cache",
		Generation:    "madrasti-v2",
		HotEntries:    512,
		HotExpiration: 30 * time.Second,
	}
}

// Store is a versioned key/response store on badger with an LRU hot layer.
type Store struct {
	config  Config
	db      *badger.DB
	hot     *hotCache
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open creates or opens the store at the configured directory.
func Open(config Config) (*Store, error) {
	logger := log.With().Str("component", "cachestore").Logger()

	if config.Generation == "" {
		return nil, errors.New("cachestore: generation name is required")
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	opts := badger.DefaultOptions(config.DataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	s := &Store{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	if config.HotEntries > 0 {
		hot, err := newHotCache(config.HotEntries, config.HotExpiration)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize hot cache: %w", err)
		}
		s.hot = hot
	}

	return s, nil
}

// Key canonicalizes a request into a cache key.
func Key(method, url string) string {
	return method + " " + url
}

func (s *Store) fullKey(generation, key string) []byte {
	return []byte(generationPrefix + generation + keySep + key)
}

// Put stores a response snapshot under the current generation. Only
// GET-derived keys may be stored.
func (s *Store) Put(method, url string, entry *Entry) error {
	if method != http.MethodGet {
		return ErrNotCacheable
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}

	key := Key(method, url)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.fullKey(s.config.Generation, key), data)
	})
	if err != nil {
		s.metrics.CacheOperations.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	if s.hot != nil {
		s.hot.set(key, entry)
	}
	s.metrics.CacheOperations.WithLabelValues("put", "ok").Inc()
	return nil
}

// Get returns the stored snapshot for a request, or ErrNotFound.
func (s *Store) Get(method, url string) (*Entry, error) {
	key := Key(method, url)

	if s.hot != nil {
		if entry, ok := s.hot.get(key); ok {
			s.metrics.CacheOperations.WithLabelValues("get", "hot_hit").Inc()
			return entry, nil
		}
	}

	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.fullKey(s.config.Generation, key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		s.metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if s.hot != nil {
		s.hot.set(key, &entry)
	}
	s.metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return &entry, nil
}

// Generations lists every generation currently present in the store.
func (s *Store) Generations() ([]string, error) {
	seen := map[string]struct{}{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(generationPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			rest := k[len(prefix):]
			if i := bytes.IndexByte(rest, 0); i > 0 {
				seen[string(rest[:i])] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan generations: %w", err)
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names, nil
}

// Activate deletes every generation other than the current one. Running it
// again with no new generation is a no-op.
func (s *Store) Activate() error {
	names, err := s.Generations()
	if err != nil {
		return err
	}

	purged := 0
	for _, name := range names {
		if name == s.config.Generation {
			continue
		}
		if err := s.dropGeneration(name); err != nil {
			return err
		}
		s.logger.Info().Str("generation", name).Msg("Purged stale cache generation")
		s.metrics.GenerationsPurged.Inc()
		purged++
	}

	if purged > 0 && s.hot != nil {
		s.hot.purge()
	}
	return nil
}

// Clear removes every entry of the current generation.
func (s *Store) Clear() error {
	if err := s.dropGeneration(s.config.Generation); err != nil {
		return err
	}
	if s.hot != nil {
		s.hot.purge()
	}
	s.logger.Info().Str("generation", s.config.Generation).Msg("Cleared cache")
	return nil
}

func (s *Store) dropGeneration(name string) error {
	prefix := []byte(generationPrefix + name + keySep)

	// A write batch spreads the deletes across transactions so a large
	// generation cannot overflow a single one
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := wb.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to drop generation %s: %w", name, err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to drop generation %s: %w", name, err)
	}
	return nil
}

// Generation returns the current generation name.
func (s *Store) Generation() string {
	return s.config.Generation
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
