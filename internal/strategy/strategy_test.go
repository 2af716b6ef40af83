package strategy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Younes-bt/madrasti2-sub012/internal/cachestore"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

func newTestStore(t *testing.T) *cachestore.Store {
	t.Helper()
	store, err := cachestore.Open(cachestore.Config{
		DataDir:    t.TempDir(),
		Generation: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func getRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestNetworkFirstServesLiveAndStores(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lessons":[1,2]}`))
	}))
	defer ts.Close()

	store := newTestStore(t)
	engine := New(store, ts.Client(), "")

	resp := engine.NetworkFirst(getRequest(t, ts.URL+"/api/lessons"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, []byte(`{"lessons":[1,2]}`), resp.Body)
	assert.EqualValues(t, 1, hits.Load())

	// The snapshot is stored for later offline reads
	entry, err := store.Get(http.MethodGet, ts.URL+"/api/lessons")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"lessons":[1,2]}`), entry.Body)
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live"))
	}))

	store := newTestStore(t)
	engine := New(store, ts.Client(), "")
	url := ts.URL + "/api/attendance"

	engine.NetworkFirst(getRequest(t, url))
	ts.Close()

	resp := engine.NetworkFirst(getRequest(t, url))
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, []byte("live"), resp.Body)
}

func TestNetworkFirstOfflineShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := ts.Client()
	url := ts.URL + "/api/profile"
	ts.Close()

	store := newTestStore(t)
	engine := New(store, client, "")

	resp := engine.NetworkFirst(getRequest(t, url))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, SourceFallback, resp.Source)

	var body wire.OfflineError
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.True(t, body.Offline)
	assert.Equal(t, "Network unavailable", body.Error)
	assert.NotEmpty(t, body.Timestamp)
}

func TestCacheFirstServesCachedRegardlessOfNetwork(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer ts.Close()

	store := newTestStore(t)
	engine := New(store, ts.Client(), "")
	url := ts.URL + "/static/js/bundle.js"

	require.NoError(t, store.Put(http.MethodGet, url, &cachestore.Entry{Status: 200, Body: []byte("stale")}))

	resp, err := engine.CacheFirst(getRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, []byte("stale"), resp.Body)

	// Background revalidation refreshes the snapshot
	assert.Eventually(t, func() bool {
		entry, err := store.Get(http.MethodGet, url)
		return err == nil && string(entry.Body) == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheFirstFetchesAndStoresOnMiss(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	defer ts.Close()

	store := newTestStore(t)
	engine := New(store, ts.Client(), "")
	url := ts.URL + "/assets/logo.png"

	resp, err := engine.CacheFirst(getRequest(t, url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, []byte("asset"), resp.Body)

	entry, err := store.Get(http.MethodGet, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("asset"), entry.Body)
}

func TestCacheFirstPropagatesTotalFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := ts.Client()
	url := ts.URL + "/assets/logo.png"
	ts.Close()

	store := newTestStore(t)
	engine := New(store, client, "")

	_, err := engine.CacheFirst(getRequest(t, url))
	assert.Error(t, err)
}

func TestNavigationFallbackServesOfflinePage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := ts.Client()
	offlinePage := ts.URL + "/offline.html"
	navURL := ts.URL + "/dashboard"
	ts.Close()

	store := newTestStore(t)
	require.NoError(t, store.Put(http.MethodGet, offlinePage, &cachestore.Entry{
		Status: 200,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<html>offline</html>"),
	}))

	engine := New(store, client, offlinePage)
	resp := engine.NavigationFallback(getRequest(t, navURL))
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, []byte("<html>offline</html>"), resp.Body)
}

func TestNavigationFallbackAlwaysYieldsAResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := ts.Client()
	navURL := ts.URL + "/dashboard"
	ts.Close()

	store := newTestStore(t)
	engine := New(store, client, "")

	resp := engine.NavigationFallback(getRequest(t, navURL))
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Contains(t, string(resp.Body), "offline")
}
