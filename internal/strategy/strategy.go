// Package strategy implements the caching strategies that serve
// intercepted requests: network-first for application data, cache-first
// with background revalidation for static assets, and a navigation
// fallback that always yields a response.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Younes-bt/madrasti2-sub012/internal/cachestore"
	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

// Source identifies where a strategy response came from.
type Source string

const (
	// SourceNetwork is a live upstream response
	SourceNetwork Source = "network"

	// SourceCache is a stored response snapshot
	SourceCache Source = "cache"

	// SourceFallback is a synthesized or pre-cached offline response
	SourceFallback Source = "fallback"
)

// Response is the outcome of a strategy execution.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Engine executes caching strategies against the cache store and upstream.
type Engine struct {
	client *http.Client
	store  *cachestore.Store

	// URL under which the offline page was precached
	offlinePage string

	refresh singleflight.Group
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a strategy engine. client may be nil, in which case
// http.DefaultClient is used.
func New(store *cachestore.Store, client *http.Client, offlinePage string) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		client:      client,
		store:       store,
		offlinePage: offlinePage,
		logger:      log.With().Str("component", "strategy").Logger(),
		metrics:     metrics.GetMetrics(),
	}
}

// NetworkFirst serves application data: live response when the network is
// up (storing a snapshot), the cached snapshot when it is down, and a
// structured offline error when neither exists. It never returns an error;
// the offline shape is a recoverable signal, not a failure.
func (e *Engine) NetworkFirst(req *http.Request) *Response {
	resp, err := e.fetch(req)
	if err == nil {
		if resp.Status < 400 {
			e.storeSnapshot(req, resp)
		}
		e.metrics.StrategyResults.WithLabelValues("network_first", string(SourceNetwork)).Inc()
		return resp
	}

	e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Network fetch failed, falling back to cache")

	entry, cacheErr := e.store.Get(req.Method, req.URL.String())
	if cacheErr == nil {
		e.metrics.StrategyResults.WithLabelValues("network_first", string(SourceCache)).Inc()
		return responseFromEntry(entry, SourceCache)
	}
	if !errors.Is(cacheErr, cachestore.ErrNotFound) {
		e.logger.Error().Err(cacheErr).Str("url", req.URL.String()).Msg("Cache read failed")
	}

	e.metrics.StrategyResults.WithLabelValues("network_first", string(SourceFallback)).Inc()
	return offlineResponse()
}

// CacheFirst serves static assets: a cached snapshot immediately when
// present, with a non-blocking background revalidation, or a network fetch
// stored on success. If the asset is neither cached nor reachable the
// error propagates; assets get no synthetic fallback.
func (e *Engine) CacheFirst(req *http.Request) (*Response, error) {
	entry, err := e.store.Get(req.Method, req.URL.String())
	if err == nil {
		e.metrics.StrategyResults.WithLabelValues("cache_first", string(SourceCache)).Inc()
		go e.revalidate(req)
		return responseFromEntry(entry, SourceCache), nil
	}
	if !errors.Is(err, cachestore.ErrNotFound) {
		e.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Cache read failed")
	}

	resp, err := e.fetch(req)
	if err != nil {
		e.metrics.StrategyResults.WithLabelValues("cache_first", "error").Inc()
		return nil, fmt.Errorf("asset fetch failed: %w", err)
	}
	if resp.Status < 400 {
		e.storeSnapshot(req, resp)
	}
	e.metrics.StrategyResults.WithLabelValues("cache_first", string(SourceNetwork)).Inc()
	return resp, nil
}

// NavigationFallback serves document navigations. A navigation always gets
// a response: the live document, the pre-cached offline page, or a minimal
// plain-text placeholder.
func (e *Engine) NavigationFallback(req *http.Request) *Response {
	resp, err := e.fetch(req)
	if err == nil {
		e.metrics.StrategyResults.WithLabelValues("navigation", string(SourceNetwork)).Inc()
		return resp
	}

	e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Navigation fetch failed, serving offline page")

	if e.offlinePage != "" {
		entry, cacheErr := e.store.Get(http.MethodGet, e.offlinePage)
		if cacheErr == nil {
			e.metrics.StrategyResults.WithLabelValues("navigation", string(SourceCache)).Inc()
			return responseFromEntry(entry, SourceFallback)
		}
	}

	e.metrics.StrategyResults.WithLabelValues("navigation", string(SourceFallback)).Inc()
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte("You are offline. Madrasti could not load this page."),
		Source: SourceFallback,
	}
}

// revalidate refreshes a cached asset in the background. Concurrent
// refreshes of the same key collapse into one fetch; failures are
// discarded.
func (e *Engine) revalidate(req *http.Request) {
	key := cachestore.Key(req.Method, req.URL.String())
	_, _, _ = e.refresh.Do(key, func() (interface{}, error) {
		refreshReq := req.Clone(context.WithoutCancel(req.Context()))
		resp, err := e.fetch(refreshReq)
		if err != nil {
			e.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Background refresh failed")
			return nil, nil
		}
		if resp.Status < 400 {
			e.storeSnapshot(refreshReq, resp)
		}
		return nil, nil
	})
}

func (e *Engine) fetch(req *http.Request) (*Response, error) {
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Source: SourceNetwork,
	}, nil
}

func (e *Engine) storeSnapshot(req *http.Request, resp *Response) {
	entry := &cachestore.Entry{
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	}
	if err := e.store.Put(req.Method, req.URL.String(), entry); err != nil {
		if !errors.Is(err, cachestore.ErrNotCacheable) {
			e.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Failed to store response snapshot")
		}
	}
}

func responseFromEntry(entry *cachestore.Entry, source Source) *Response {
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: entry.Status,
		Header: header.Clone(),
		Body:   entry.Body,
		Source: source,
	}
}

func offlineResponse() *Response {
	body, _ := json.Marshal(wire.OfflineError{
		Error:     "Network unavailable",
		Offline:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   body,
		Source: SourceFallback,
	}
}
