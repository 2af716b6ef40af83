// Package agent wires the offline resilience layer together: the local
// proxy that intercepts application requests, the install/activate cache
// lifecycle, app control messages, background-sync triggers, and push
// delivery.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/cachestore"
	"github.com/Younes-bt/madrasti2-sub012/internal/classify"
	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
	"github.com/Younes-bt/madrasti2-sub012/internal/push"
	"github.com/Younes-bt/madrasti2-sub012/internal/strategy"
	"github.com/Younes-bt/madrasti2-sub012/internal/syncqueue"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

// Config contains agent configuration
type Config struct {
	// Backend base URL the proxy forwards to
	Upstream string

	// Origins allowed to reach the proxy
	AllowedOrigins []string

	// Critical assets persisted at install time
	PrecacheManifest []string

	// Path of the pre-cached offline page
	OfflinePage string
}

// Agent is the offline resilience layer.
type Agent struct {
	config   Config
	upstream *url.URL
	client   *http.Client

	store  *cachestore.Store
	engine *strategy.Engine
	queue  *syncqueue.Queue
	push   *push.Handler

	installed atomic.Bool
	activated atomic.Bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates the agent. client may be nil, in which case
// http.DefaultClient is used for pass-through traffic and precaching.
func New(config Config, store *cachestore.Store, engine *strategy.Engine, queue *syncqueue.Queue, pushHandler *push.Handler, client *http.Client) (*Agent, error) {
	upstream, err := url.Parse(config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL must be absolute: %s", config.Upstream)
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Agent{
		config:   config,
		upstream: upstream,
		client:   client,
		store:    store,
		engine:   engine,
		queue:    queue,
		push:     pushHandler,
		logger:   log.With().Str("component", "agent").Logger(),
		metrics:  metrics.GetMetrics(),
	}, nil
}

// Install eagerly persists the critical-asset manifest. It blocks until
// the whole manifest is stored; any failure fails the install.
func (a *Agent) Install(ctx context.Context) error {
	start := time.Now()

	for _, path := range a.config.PrecacheManifest {
		target := a.resolve(path, "")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("precache %s: upstream returned %d", path, resp.StatusCode)
		}

		entry := &cachestore.Entry{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   body,
		}
		if err := a.store.Put(http.MethodGet, target, entry); err != nil {
			return fmt.Errorf("precache %s: %w", path, err)
		}
	}

	a.metrics.PrecacheDuration.Observe(time.Since(start).Seconds())
	a.installed.Store(true)
	a.logger.Info().Int("assets", len(a.config.PrecacheManifest)).Msg("Install complete, manifest persisted")
	return nil
}

// Activate purges every cache generation other than the current one and
// starts serving. Idempotent.
func (a *Agent) Activate() error {
	if err := a.store.Activate(); err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}
	a.activated.Store(true)
	a.logger.Info().Str("generation", a.store.Generation()).Msg("Activated cache generation")
	return nil
}

// Handler returns the proxy and control surface.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/agent/status", a.handleStatus)
	r.Post("/agent/control", a.handleControl)
	r.Post("/agent/sync", a.handleSync)
	r.Post("/agent/push", a.handlePush)
	r.Post("/agent/push/action", a.handlePushAction)
	r.HandleFunc("/*", a.handleProxy)

	return r
}

// handleProxy is the interception point for application traffic.
func (a *Agent) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := a.resolve(r.URL.Path, r.URL.RawQuery)

	// Non-GET requests bypass classification and caching entirely
	if r.Method != http.MethodGet {
		a.forwardMutation(w, r, target)
		a.observe("bypass", start)
		return
	}

	navigation := r.Header.Get("Sec-Fetch-Mode") == "navigate"
	class := classify.Classify(target, navigation)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)

	var resp *strategy.Response
	switch class {
	case classify.ClassAPIData:
		resp = a.engine.NetworkFirst(req)
	case classify.ClassStaticAsset:
		resp, err = a.engine.CacheFirst(req)
		if err != nil {
			a.logger.Warn().Err(err).Str("url", target).Msg("Asset unavailable")
			http.Error(w, "bad gateway", http.StatusBadGateway)
			a.observe(class.String(), start)
			return
		}
	case classify.ClassNavigation:
		resp = a.engine.NavigationFallback(req)
	default:
		resp, err = a.passthrough(req)
		if err != nil {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			a.observe(class.String(), start)
			return
		}
	}

	writeResponse(w, resp)
	a.metrics.ProxyRequestsTotal.WithLabelValues(r.Method, class.String(), fmt.Sprint(resp.Status)).Inc()
	a.metrics.ProxyRequestDuration.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
}

// forwardMutation sends a non-GET request straight to the network. When
// the network is down and the path maps to a sync topic, the mutation is
// queued for replay and acknowledged as accepted.
func (a *Agent) forwardMutation(w http.ResponseWriter, r *http.Request, target string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := a.client.Do(req)
	if err == nil {
		defer resp.Body.Close()
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		writeResponse(w, &strategy.Response{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   respBody,
			Source: strategy.SourceNetwork,
		})
		return
	}

	topic, ok := topicForPath(r.URL.Path)
	if !ok {
		a.logger.Warn().Err(err).Str("url", target).Msg("Mutation failed with no replay topic")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	credential := bearerToken(r.Header.Get("Authorization"))
	item, qErr := a.queue.Enqueue(topic, target, body, credential)
	if qErr != nil {
		a.logger.Error().Err(qErr).Str("url", target).Msg("Failed to queue mutation")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queued": true,
		"id":     item.ID,
		"topic":  item.Topic,
	})
}

// handleStatus reports the agent lifecycle and active cache generation.
func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"installed":  a.installed.Load(),
		"activated":  a.activated.Load(),
		"generation": a.store.Generation(),
	})
}

// handleControl processes app-to-agent control messages. Unrecognized
// types are logged and ignored.
func (a *Agent) handleControl(w http.ResponseWriter, r *http.Request) {
	var msg wire.ControlMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid control message", http.StatusBadRequest)
		return
	}

	switch msg.Type {
	case wire.ControlSkipWaiting:
		if err := a.Activate(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case wire.ControlCacheAttendanceData:
		entry := &cachestore.Entry{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   msg.Data,
		}
		target := a.resolve("/api/attendance", "")
		if err := a.store.Put(http.MethodGet, target, entry); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case wire.ControlSyncWhenOnline:
		go a.drainAll(context.WithoutCancel(r.Context()))
	case wire.ControlClearCache:
		if err := a.store.Clear(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	default:
		a.logger.Warn().Str("type", msg.Type).Msg("Unrecognized control message, ignoring")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleSync processes a background-sync trigger. Unrecognized tags are
// logged and ignored, not errored.
func (a *Agent) handleSync(w http.ResponseWriter, r *http.Request) {
	var trigger wire.SyncTrigger
	if err := json.NewDecoder(r.Body).Decode(&trigger); err != nil {
		http.Error(w, "invalid sync trigger", http.StatusBadRequest)
		return
	}

	topic, ok := topicForSyncTag(trigger.Tag)
	if !ok {
		a.logger.Warn().Str("tag", trigger.Tag).Msg("Unrecognized sync tag, ignoring")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		return
	}

	stats, err := a.queue.Drain(r.Context(), topic)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"replayed":      stats.Replayed,
		"retained":      stats.Retained,
		"dead_lettered": stats.DeadLettered,
	})
}

// handlePush delivers a push payload to the notification handler. The
// response is written only after the display call has completed.
func (a *Agent) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}

	n, err := a.push.HandlePush(r.Context(), raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"title":               n.Title,
		"body":                n.Body,
		"tag":                 n.Tag,
		"priority":            n.Priority,
		"require_interaction": n.RequireInteraction,
		"silent":              n.Silent,
	})
}

// handlePushAction routes a notification interaction.
func (a *Agent) handlePushAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string `json:"action"`
		URL        string `json:"url"`
		Tag        string `json:"tag"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid action request", http.StatusBadRequest)
		return
	}

	n := &push.Notification{URL: req.URL, Tag: req.Tag}
	if err := a.push.HandleInteraction(r.Context(), req.Action, n, req.Credential); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// drainAll replays every topic queue.
func (a *Agent) drainAll(ctx context.Context) {
	for _, topic := range []syncqueue.Topic{syncqueue.TopicAttendance, syncqueue.TopicAssignment, syncqueue.TopicNotification} {
		if _, err := a.queue.Drain(ctx, topic); err != nil {
			a.logger.Error().Err(err).Str("topic", string(topic)).Msg("Drain failed")
		}
	}
}

func (a *Agent) passthrough(req *http.Request) (*strategy.Response, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &strategy.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Source: strategy.SourceNetwork,
	}, nil
}

func (a *Agent) resolve(path, rawQuery string) string {
	ref := &url.URL{Path: path, RawQuery: rawQuery}
	return a.upstream.ResolveReference(ref).String()
}

func (a *Agent) observe(class string, start time.Time) {
	a.metrics.ProxyRequestDuration.WithLabelValues(class).Observe(time.Since(start).Seconds())
}

// bearerToken extracts the token from an Authorization header value.
// Non-bearer or empty headers yield an empty credential.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// topicForPath maps a mutation path to its replay topic.
func topicForPath(path string) (syncqueue.Topic, bool) {
	switch {
	case strings.Contains(path, "/attendance"):
		return syncqueue.TopicAttendance, true
	case strings.Contains(path, "/homework"), strings.Contains(path, "/assignments"):
		return syncqueue.TopicAssignment, true
	case strings.Contains(path, "/notifications"):
		return syncqueue.TopicNotification, true
	}
	return "", false
}

// topicForSyncTag maps a background-sync tag to its topic.
func topicForSyncTag(tag string) (syncqueue.Topic, bool) {
	switch tag {
	case wire.SyncTagAttendance:
		return syncqueue.TopicAttendance, true
	case wire.SyncTagAssignment:
		return syncqueue.TopicAssignment, true
	case wire.SyncTagNotification:
		return syncqueue.TopicNotification, true
	}
	return "", false
}

// hop-by-hop headers are not forwarded
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func writeResponse(w http.ResponseWriter, resp *strategy.Response) {
	for k, values := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Madrasti-Source", string(resp.Source))
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
