// Package syncqueue implements the durable queue of mutations that failed
// while offline. Items are replayed in FIFO order per topic with
// at-least-once semantics: an item is deleted only after a confirmed
// successful replay, and a failing item is retained for the next drain.
// Items that keep failing past the attempt limit move to a dead-letter
// area instead of blocking the queue forever.
package syncqueue

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
)

// Topic identifies which kind of mutation an item carries.
type Topic string

const (
	TopicAttendance   Topic = "attendance"
	TopicAssignment   Topic = "assignment"
	TopicNotification Topic = "notification"
)

// ErrUnknownTopic is returned for a topic outside the fixed enumeration.
var ErrUnknownTopic = errors.New("syncqueue: unknown topic")

// Valid reports whether the topic is part of the fixed enumeration.
func (t Topic) Valid() bool {
	switch t {
	case TopicAttendance, TopicAssignment, TopicNotification:
		return true
	}
	return false
}

// Item is a single queued mutation. Replay is atomic: the whole request
// succeeds or the item stays queued.
type Item struct {
	ID         string          `json:"id"`
	Topic      Topic           `json:"topic"`
	Endpoint   string          `json:"endpoint"`
	Payload    json.RawMessage `json:"payload"`
	Credential string          `json:"credential"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Replayed     int
	Retained     int
	DeadLettered int
}

// Config contains sync queue configuration
type Config struct {
	// Directory for the badger database
	DataDir string

	// Attempts before an item moves to the dead-letter area
	MaxAttempts int

	// Replay request pacing
	ReplaysPerSecond float64
	ReplayBurst      int
}

// DefaultConfig returns a default sync queue configuration
func DefaultConfig() Config {
	return Config{
		DataDir:          "./data/queue",
		MaxAttempts:      10,
		ReplaysPerSecond: 5,
		ReplayBurst:      5,
	}
}

// Queue is a durable per-topic FIFO of pending mutations.
type Queue struct {
	config  Config
	db      *badger.DB
	client  *http.Client
	limiter *rate.Limiter

	// drain serialization per topic, preserving FIFO under parallel triggers
	drainMu map[Topic]*sync.Mutex

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Open creates or opens the queue at the configured directory. client may
// be nil, in which case http.DefaultClient is used for replays.
func Open(config Config, client *http.Client) (*Queue, error) {
	logger := log.With().Str("component", "syncqueue").Logger()

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.ReplaysPerSecond <= 0 {
		config.ReplaysPerSecond = DefaultConfig().ReplaysPerSecond
	}
	if config.ReplayBurst <= 0 {
		config.ReplayBurst = DefaultConfig().ReplayBurst
	}
	if client == nil {
		client = http.DefaultClient
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	opts := badger.DefaultOptions(config.DataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	q := &Queue{
		config:  config,
		db:      db,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.ReplaysPerSecond), config.ReplayBurst),
		drainMu: map[Topic]*sync.Mutex{
			TopicAttendance:   {},
			TopicAssignment:   {},
			TopicNotification: {},
		},
		entropy: ulid.Monotonic(rand.Reader, 0),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}

	q.refreshDepthGauges()
	return q, nil
}

// Enqueue appends a failed mutation for later replay. The credential is
// captured now so the replay carries the identity active at failure time.
func (q *Queue) Enqueue(topic Topic, endpoint string, payload json.RawMessage, credential string) (*Item, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	item := &Item{
		ID:         q.nextID(),
		Topic:      topic,
		Endpoint:   endpoint,
		Payload:    payload,
		Credential: credential,
		EnqueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue item: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(topic, item.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist queue item: %w", err)
	}

	q.metrics.QueueEnqueued.WithLabelValues(string(topic)).Inc()
	q.refreshDepthGauges()
	q.logger.Info().Str("id", item.ID).Str("topic", string(topic)).Msg("Queued mutation for replay")
	return item, nil
}

// Drain replays every queued item for a topic in FIFO order. A successful
// replay removes the item; a failed replay retains it and the drain
// continues with the next item. Draining with nothing new replays only
// what remains. Drains for the same topic are serialized.
func (q *Queue) Drain(ctx context.Context, topic Topic) (DrainStats, error) {
	var stats DrainStats

	if !topic.Valid() {
		return stats, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	mu := q.drainMu[topic]
	mu.Lock()
	defer mu.Unlock()

	items, err := q.Items(topic)
	if err != nil {
		return stats, err
	}

	for _, item := range items {
		if err := q.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		if err := q.replay(ctx, item); err != nil {
			q.logger.Warn().Err(err).Str("id", item.ID).Str("topic", string(topic)).Msg("Replay failed, item retained")
			item.Attempts++
			if item.Attempts >= q.config.MaxAttempts {
				dlErr := moveToDeadLetter(q, topic, item)
				if dlErr == nil {
					stats.DeadLettered++
					q.metrics.QueueReplays.WithLabelValues(string(topic), "dead_letter").Inc()
					continue
				}
				q.logger.Error().Err(dlErr).Str("id", item.ID).Msg("Failed to dead-letter item, retaining")
			}
			// The attempt counter is persisted even when dead-lettering
			// failed, so the next drain sees the true count
			if uErr := q.updateItem(topic, item); uErr != nil {
				q.logger.Error().Err(uErr).Str("id", item.ID).Msg("Failed to record replay attempt")
			}
			stats.Retained++
			q.metrics.QueueReplays.WithLabelValues(string(topic), "failure").Inc()
			continue
		}

		if err := q.remove(queueKey(topic, item.ID)); err != nil {
			q.logger.Error().Err(err).Str("id", item.ID).Msg("Failed to remove replayed item")
			stats.Retained++
			continue
		}
		stats.Replayed++
		q.metrics.QueueReplays.WithLabelValues(string(topic), "success").Inc()
	}

	q.refreshDepthGauges()
	q.logger.Info().
		Str("topic", string(topic)).
		Int("replayed", stats.Replayed).
		Int("retained", stats.Retained).
		Int("dead_lettered", stats.DeadLettered).
		Msg("Drain complete")
	return stats, nil
}

// replay performs the HTTP call for one item with its stored credential.
func (q *Queue) replay(ctx context.Context, item *Item) error {
	q.warnIfExpired(item)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.Endpoint, bytes.NewReader(item.Payload))
	if err != nil {
		return fmt.Errorf("failed to build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if item.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+item.Credential)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("replay rejected with status %d", resp.StatusCode)
	}
	return nil
}

// warnIfExpired peeks at the stored bearer token without verifying it.
// An expired credential still gets replayed; the backend is the authority.
func (q *Queue) warnIfExpired(item *Item) {
	if item.Credential == "" {
		return
	}
	token, _, err := jwt.NewParser().ParseUnverified(item.Credential, jwt.MapClaims{})
	if err != nil {
		return
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if exp.Before(time.Now()) {
		q.logger.Warn().Str("id", item.ID).Time("expired_at", exp.Time).Msg("Replaying with expired credential")
	}
}

// Items returns queued items for a topic in FIFO order.
func (q *Queue) Items(topic Topic) ([]*Item, error) {
	return q.scan(queuePrefix(topic))
}

// DeadLetters returns items moved out of the queue after exhausting their
// replay attempts.
func (q *Queue) DeadLetters(topic Topic) ([]*Item, error) {
	return q.scan(deadLetterPrefix(topic))
}

// Len returns the number of queued items for a topic.
func (q *Queue) Len(topic Topic) (int, error) {
	items, err := q.Items(topic)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) scan(prefix []byte) ([]*Item, error) {
	var items []*Item
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				return err
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue: %w", err)
	}
	return items, nil
}

func (q *Queue) updateItem(topic Topic, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(topic, item.ID), data)
	})
}

// Replaceable in tests to exercise dead-letter write failures.
var moveToDeadLetter = (*Queue).deadLetter

func (q *Queue) deadLetter(topic Topic, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(deadLetterKey(topic, item.ID), data); err != nil {
			return err
		}
		return txn.Delete(queueKey(topic, item.ID))
	})
}

func (q *Queue) remove(key []byte) error {
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (q *Queue) refreshDepthGauges() {
	for _, topic := range []Topic{TopicAttendance, TopicAssignment, TopicNotification} {
		if n, err := q.Len(topic); err == nil {
			q.metrics.QueueDepth.WithLabelValues(string(topic)).Set(float64(n))
		}
	}
}

// nextID returns a ULID. Monotonic entropy keeps ids created within the
// same millisecond in enqueue order, which is what makes key order FIFO.
func (q *Queue) nextID() string {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), q.entropy).String()
}

func queuePrefix(topic Topic) []byte {
	return []byte("q:" + string(topic) + ":")
}

func queueKey(topic Topic, id string) []byte {
	return append(queuePrefix(topic), id...)
}

func deadLetterPrefix(topic Topic) []byte {
	return []byte("dl:" + string(topic) + ":")
}

func deadLetterKey(topic Topic, id string) []byte {
	return append(deadLetterPrefix(topic), id...)
}
