package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, client *http.Client, maxAttempts int) *Queue {
	t.Helper()
	q, err := Open(Config{
		DataDir:          t.TempDir(),
		MaxAttempts:      maxAttempts,
		ReplaysPerSecond: 1000,
		ReplayBurst:      1000,
	}, client)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// replayServer answers replays and records bodies; fail controls which
// bodies are rejected.
type replayServer struct {
	mu     sync.Mutex
	bodies []string
	fail   map[string]bool
}

func (s *replayServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		s.bodies = append(s.bodies, body["name"])
		shouldFail := s.fail[body["name"]]
		s.mu.Unlock()

		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *replayServer) replayed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func TestEnqueueUnknownTopic(t *testing.T) {
	q := newTestQueue(t, nil, 10)

	_, err := q.Enqueue(Topic("grades"), "https://x/api", nil, "")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestEnqueuePersistsInFIFOOrder(t *testing.T) {
	q := newTestQueue(t, nil, 10)

	for _, name := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(TopicAttendance, "https://x/api", json.RawMessage(`{"name":"`+name+`"}`), "tok")
		require.NoError(t, err)
	}

	items, err := q.Items(TopicAttendance)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, json.RawMessage(`{"name":"A"}`), items[0].Payload)
	assert.Equal(t, json.RawMessage(`{"name":"B"}`), items[1].Payload)
	assert.Equal(t, json.RawMessage(`{"name":"C"}`), items[2].Payload)
	assert.Equal(t, "tok", items[0].Credential)
}

func TestDrainPartialFailureRetainsOnlyFailed(t *testing.T) {
	srv := &replayServer{fail: map[string]bool{"B": true}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 10)
	for _, name := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(TopicAssignment, ts.URL+"/api/assignments", json.RawMessage(`{"name":"`+name+`"}`), "")
		require.NoError(t, err)
	}

	stats, err := q.Drain(context.Background(), TopicAssignment)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)
	assert.Equal(t, 1, stats.Retained)

	// B failed but the drain continued through C
	assert.Equal(t, []string{"A", "B", "C"}, srv.replayed())

	items, err := q.Items(TopicAssignment)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, json.RawMessage(`{"name":"B"}`), items[0].Payload)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestDrainIsIdempotent(t *testing.T) {
	srv := &replayServer{fail: map[string]bool{"B": true}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 10)
	for _, name := range []string{"A", "B"} {
		_, err := q.Enqueue(TopicAttendance, ts.URL+"/api/attendance", json.RawMessage(`{"name":"`+name+`"}`), "")
		require.NoError(t, err)
	}

	_, err := q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)

	// Second drain replays only what remains
	stats, err := q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Replayed)
	assert.Equal(t, 1, stats.Retained)
	assert.Equal(t, []string{"A", "B", "B"}, srv.replayed())
}

func TestDrainSuccessRemovesEverything(t *testing.T) {
	srv := &replayServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 10)
	for _, name := range []string{"A", "B"} {
		_, err := q.Enqueue(TopicNotification, ts.URL+"/api/notifications", json.RawMessage(`{"name":"`+name+`"}`), "")
		require.NoError(t, err)
	}

	stats, err := q.Drain(context.Background(), TopicNotification)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Replayed)

	n, err := q.Len(TopicNotification)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	srv := &replayServer{fail: map[string]bool{"A": true}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 2)
	_, err := q.Enqueue(TopicAttendance, ts.URL+"/api/attendance", json.RawMessage(`{"name":"A"}`), "")
	require.NoError(t, err)

	// First drain: attempt 1, retained
	stats, err := q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retained)
	assert.Equal(t, 0, stats.DeadLettered)

	// Second drain: attempt 2 hits the cap and the item moves out
	stats, err = q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	n, err := q.Len(TopicAttendance)
	require.NoError(t, err)
	assert.Zero(t, n)

	dead, err := q.DeadLetters(TopicAttendance)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)

	// Further drains no longer touch the dead item
	stats, err = q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Zero(t, stats.Retained)
	assert.Zero(t, stats.Replayed)
}

func TestAttemptsPersistWhenDeadLetterFails(t *testing.T) {
	orig := moveToDeadLetter
	moveToDeadLetter = func(*Queue, Topic, *Item) error { return errors.New("write failed") }
	t.Cleanup(func() { moveToDeadLetter = orig })

	srv := &replayServer{fail: map[string]bool{"A": true}}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 1)
	_, err := q.Enqueue(TopicAttendance, ts.URL+"/api/attendance", json.RawMessage(`{"name":"A"}`), "")
	require.NoError(t, err)

	stats, err := q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLettered)
	assert.Equal(t, 1, stats.Retained)

	// The failed dead-letter move keeps the item queued with its
	// attempt counter recorded
	items, err := q.Items(TopicAttendance)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)

	dead, err := q.DeadLetters(TopicAttendance)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestDrainCarriesStoredCredential(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 10)
	_, err := q.Enqueue(TopicAttendance, ts.URL+"/api/attendance", json.RawMessage(`{}`), "token-at-enqueue-time")
	require.NoError(t, err)

	_, err = q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-at-enqueue-time", gotAuth)
}

func TestTopicsAreIsolated(t *testing.T) {
	srv := &replayServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	q := newTestQueue(t, ts.Client(), 10)
	_, err := q.Enqueue(TopicAttendance, ts.URL+"/api/attendance", json.RawMessage(`{"name":"att"}`), "")
	require.NoError(t, err)
	_, err = q.Enqueue(TopicAssignment, ts.URL+"/api/assignments", json.RawMessage(`{"name":"asg"}`), "")
	require.NoError(t, err)

	_, err = q.Drain(context.Background(), TopicAttendance)
	require.NoError(t, err)

	n, err := q.Len(TopicAssignment)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
