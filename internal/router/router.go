// Package router classifies inbound channel frames and fans them out to
// subscribers. Every recognized frame both raises a user-facing transient
// alert appropriate to its severity and re-emits a semantic event, so
// application state updates independently of the alert surface.
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Younes-bt/madrasti2-sub012/internal/channel"
	"github.com/Younes-bt/madrasti2-sub012/internal/metrics"
	"github.com/Younes-bt/madrasti2-sub012/pkg/wire"
)

// Kind discriminates inbound event types.
type Kind int

const (
	KindUnknown Kind = iota
	KindAttendanceAlert
	KindGradePublished
	KindBadgeEarned
	KindAssignmentDue
	KindSystemAlert
	KindFlagCreated
	KindHeartbeatAck
	KindAuthSuccess
	KindAuthError
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAttendanceAlert:
		return "attendance_alert"
	case KindGradePublished:
		return "grade_published"
	case KindBadgeEarned:
		return "badge_earned"
	case KindAssignmentDue:
		return "assignment_due"
	case KindSystemAlert:
		return "system_alert"
	case KindFlagCreated:
		return "flag_created"
	case KindHeartbeatAck:
		return "heartbeat_ack"
	case KindAuthSuccess:
		return "auth_success"
	case KindAuthError:
		return "auth_error"
	default:
		return "unknown"
	}
}

func kindOf(frameType string) Kind {
	switch frameType {
	case "attendance_alert":
		return KindAttendanceAlert
	case "grade_published":
		return KindGradePublished
	case "badge_earned":
		return KindBadgeEarned
	case "assignment_due":
		return KindAssignmentDue
	case "system_alert":
		return KindSystemAlert
	case "flag_created":
		return KindFlagCreated
	case "heartbeat_ack":
		return KindHeartbeatAck
	case "auth_success":
		return KindAuthSuccess
	case "auth_error":
		return KindAuthError
	default:
		return KindUnknown
	}
}

// Event is a classified inbound frame.
type Event struct {
	Kind Kind
	Type string
	Data json.RawMessage
}

// Handler receives dispatched events. Handlers for a kind are called in
// subscription order.
type Handler func(Event)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a transient user-facing notice.
type Alert struct {
	Title    string
	Message  string
	Severity Severity
}

// Alerter renders transient alerts.
type Alerter interface {
	Show(alert Alert)
}

// Transport is the connection surface the router can force closed. An
// auth failure terminates the connection as an unexpected closure so the
// reconnection policy (and an upstream token refresh) can run.
type Transport interface {
	Drop(reason string)
}

type subscription struct {
	id string
	fn Handler
}

// Router dispatches classified frames to ordered subscriber lists.
type Router struct {
	mu        sync.RWMutex
	subs      map[Kind][]subscription
	generic   []subscription
	alerter   Alerter
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a router. alerter and transport may be nil; missing
// surfaces simply skip alerts or the auth-failure drop.
func New(alerter Alerter, transport Transport) *Router {
	return &Router{
		subs:      make(map[Kind][]subscription),
		alerter:   alerter,
		transport: transport,
		logger:    log.With().Str("component", "router").Logger(),
		metrics:   metrics.GetMetrics(),
	}
}

// Variable for generating subscription IDs, replaceable in tests
var generateID = func() string {
	return uuid.NewString()
}

// Subscribe registers a handler for a kind. Insertion order is call order.
func (r *Router) Subscribe(kind Kind, fn Handler) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := generateID()
	r.subs[kind] = append(r.subs[kind], subscription{id: id, fn: fn})
	return id
}

// SubscribeGeneric registers a handler for unrecognized frame types.
func (r *Router) SubscribeGeneric(fn Handler) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := generateID()
	r.generic = append(r.generic, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes a handler by subscription id.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, subs := range r.subs {
		r.subs[kind] = removeSub(subs, id)
	}
	r.generic = removeSub(r.generic, id)
}

func removeSub(subs []subscription, id string) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Run consumes connection events until the context is canceled.
func (r *Router) Run(ctx context.Context, events <-chan channel.Event) {
	r.logger.Info().Msg("Starting message router")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.logger.Info().Msg("Event stream closed, stopping router")
				return
			}
			switch ev.Kind {
			case channel.EventFrame:
				r.HandleFrame(ev.Frame)
			case channel.EventOpen:
				r.logger.Debug().Msg("Channel open")
			case channel.EventClosed:
				r.logger.Debug().Msg("Channel closed")
			case channel.EventConnectionLost:
				r.show(Alert{
					Title:    "Connection lost",
					Message:  "Real-time updates are unavailable. Reload the page to reconnect.",
					Severity: SeverityCritical,
				})
			}
		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping router")
			return
		}
	}
}

// HandleFrame parses and dispatches one inbound frame. Malformed frames
// are logged and dropped; the connection stays open.
func (r *Router) HandleFrame(raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.logger.Warn().Err(err).Msg("Malformed frame, dropping")
		r.metrics.ChannelFrames.WithLabelValues("malformed").Inc()
		return
	}

	kind := kindOf(env.Type)
	r.metrics.ChannelFrames.WithLabelValues(kind.String()).Inc()
	event := Event{Kind: kind, Type: env.Type, Data: env.Data}

	switch kind {
	case KindHeartbeatAck:
		// Informational only; never checked against a timeout
		r.logger.Debug().Msg("Heartbeat acknowledged")
	case KindAuthSuccess:
		r.logger.Info().Msg("Channel authentication confirmed")
	case KindAuthError:
		r.logger.Warn().RawJSON("data", orEmpty(env.Data)).Msg("Channel authentication failed")
		if r.transport != nil {
			r.transport.Drop("auth_error")
		}
	case KindUnknown:
		r.logger.Debug().Str("type", env.Type).Msg("Unrecognized frame type, re-emitting to generic subscribers")
		r.dispatchGeneric(event)
		return
	default:
		if alert, ok := buildAlert(kind, env.Data); ok {
			r.show(alert)
		}
	}

	r.dispatch(kind, event)
}

func (r *Router) dispatch(kind Kind, event Event) {
	r.mu.RLock()
	subs := make([]subscription, len(r.subs[kind]))
	copy(subs, r.subs[kind])
	r.mu.RUnlock()

	for _, s := range subs {
		s.fn(event)
	}
}

func (r *Router) dispatchGeneric(event Event) {
	r.mu.RLock()
	subs := make([]subscription, len(r.generic))
	copy(subs, r.generic)
	r.mu.RUnlock()

	for _, s := range subs {
		s.fn(event)
	}
}

func (r *Router) show(alert Alert) {
	if r.alerter == nil {
		return
	}
	r.alerter.Show(alert)
}

// alertBody is the subset of frame data the alert surface cares about.
type alertBody struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	StudentName string `json:"student_name"`
	Subject     string `json:"subject"`
	BadgeName   string `json:"badge_name"`
	Priority    string `json:"priority"`
}

func buildAlert(kind Kind, data json.RawMessage) (Alert, bool) {
	var body alertBody
	if len(data) > 0 {
		// Partial or failed decodes still alert with what was parsed
		_ = json.Unmarshal(data, &body)
	}

	switch kind {
	case KindAttendanceAlert:
		return Alert{
			Title:    "Attendance alert",
			Message:  firstNonEmpty(body.Message, body.StudentName),
			Severity: SeverityWarning,
		}, true
	case KindGradePublished:
		return Alert{
			Title:    "Grade published",
			Message:  firstNonEmpty(body.Message, body.Subject),
			Severity: SeverityInfo,
		}, true
	case KindBadgeEarned:
		return Alert{
			Title:    "Badge earned",
			Message:  firstNonEmpty(body.Message, body.BadgeName),
			Severity: SeverityInfo,
		}, true
	case KindAssignmentDue:
		return Alert{
			Title:    "Assignment due",
			Message:  firstNonEmpty(body.Message, body.Title),
			Severity: SeverityWarning,
		}, true
	case KindSystemAlert:
		severity := SeverityInfo
		if body.Priority == wire.PriorityHigh {
			severity = SeverityCritical
		}
		return Alert{
			Title:    firstNonEmpty(body.Title, "System alert"),
			Message:  body.Message,
			Severity: severity,
		}, true
	case KindFlagCreated:
		return Alert{
			Title:    "Flag created",
			Message:  firstNonEmpty(body.Message, body.StudentName),
			Severity: SeverityWarning,
		}, true
	}
	return Alert{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func orEmpty(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	return data
}
