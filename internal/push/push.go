// Package push decodes inbound push payloads into display notifications
// and routes user interactions on them back to the application.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

// Notification is the display model built from a push payload.
type Notification struct {
	Title    string
	Body     string
	Icon     string
	Badge    string
	Tag      string
	URL      string
	Actions  []wire.NotificationAction
	Data     json.RawMessage
	Priority string

	// Derived display flags
	RequireInteraction bool
	Silent             bool
}

// Displayer shows a notification on the platform surface. HandlePush does
// not return until the display call completes.
type Displayer interface {
	Display(ctx context.Context, n *Notification) error
}

// Window is an open application window.
type Window struct {
	ID  string
	URL string
}

// WindowManager enumerates, focuses, and opens application windows.
type WindowManager interface {
	Windows(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, url string) error
}

// Defaults fill absent payload fields.
type Defaults struct {
	Title string
	Icon  string
	Badge string

	// Endpoint for the mark_read one-shot request
	MarkReadEndpoint string
}

// Handler turns push deliveries into notifications and dispatches
// notification interactions.
type Handler struct {
	defaults Defaults
	display  Displayer
	windows  WindowManager
	client   *http.Client
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates a push handler. client may be nil, in which case
// http.DefaultClient is used for the mark_read request.
func New(defaults Defaults, display Displayer, windows WindowManager, client *http.Client) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Handler{
		defaults: defaults,
		display:  display,
		windows:  windows,
		client:   client,
		logger:   log.With().Str("component", "push").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Decode builds the display model for a raw push payload. Malformed JSON
// degrades to a plain-text body over the defaults; it is never an error.
func (h *Handler) Decode(raw []byte) *Notification {
	var payload wire.PushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Debug().Err(err).Msg("Push payload is not JSON, degrading to plain text")
		payload = wire.PushPayload{Body: string(raw)}
	}

	n := &Notification{
		Title:    payload.Title,
		Body:     payload.Body,
		Icon:     payload.Icon,
		Badge:    payload.Badge,
		Tag:      payload.Tag,
		URL:      payload.URL,
		Actions:  payload.Actions,
		Data:     payload.Data,
		Priority: payload.Priority,
	}
	if n.Title == "" {
		n.Title = h.defaults.Title
	}
	if n.Icon == "" {
		n.Icon = h.defaults.Icon
	}
	if n.Badge == "" {
		n.Badge = h.defaults.Badge
	}
	if n.Priority == "" {
		n.Priority = wire.PriorityNormal
	}

	n.RequireInteraction = n.Priority == wire.PriorityHigh
	n.Silent = n.Priority == wire.PriorityLow

	return n
}

// HandlePush decodes a push delivery and displays it. It returns only
// after the display call has completed; the delivery is not considered
// handled before then.
func (h *Handler) HandlePush(ctx context.Context, raw []byte) (*Notification, error) {
	n := h.Decode(raw)
	if err := h.display.Display(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to display notification: %w", err)
	}
	h.metrics.PushDisplayed.WithLabelValues(n.Priority).Inc()
	return n, nil
}

// HandleInteraction routes a user interaction on a displayed notification.
// An empty action is a body click. Unknown actions are logged and ignored.
func (h *Handler) HandleInteraction(ctx context.Context, action string, n *Notification, credential string) error {
	h.metrics.PushActions.WithLabelValues(actionLabel(action)).Inc()

	switch action {
	case "":
		return h.focusOrOpen(ctx, n.URL)
	case "view":
		return h.focusOrOpen(ctx, n.URL)
	case "dismiss":
		return nil
	case "mark_read":
		return h.markRead(ctx, n, credential)
	default:
		h.logger.Warn().Str("action", action).Msg("Unknown notification action, ignoring")
		return nil
	}
}

// focusOrOpen focuses the first open window whose URL contains the target,
// or opens a new window at the target. Exactly one of the two happens.
func (h *Handler) focusOrOpen(ctx context.Context, target string) error {
	if target == "" {
		target = "/"
	}

	windows, err := h.windows.Windows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	for _, w := range windows {
		if strings.Contains(w.URL, target) {
			return h.windows.Focus(ctx, w.ID)
		}
	}
	return h.windows.Open(ctx, target)
}

// markRead fires the one-shot authenticated read receipt.
func (h *Handler) markRead(ctx context.Context, n *Notification, credential string) error {
	if h.defaults.MarkReadEndpoint == "" {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"tag": n.Tag})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.defaults.MarkReadEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build mark_read request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("mark_read request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("mark_read rejected with status %d", resp.StatusCode)
	}
	return nil
}

func actionLabel(action string) string {
	if action == "" {
		return "body_click"
	}
	return action
}
