// Package wire defines the JSON contracts shared between the Madrasti
// backend, the real-time channel, and the offline agent.
package wire

import "encoding/json"

// Envelope is the framing for every inbound channel message. Data carries
// the type-specific body and is decoded by the router.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthFrame is sent immediately after the channel transport opens.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// HeartbeatFrame is emitted at a fixed interval while the channel is open.
type HeartbeatFrame struct {
	Type string `json:"type"`
}

// ControlMessage is the app-to-agent control contract. Unrecognized types
// are logged and ignored.
type ControlMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Control message types.
const (
	ControlSkipWaiting         = "SKIP_WAITING"
	ControlCacheAttendanceData = "CACHE_ATTENDANCE_DATA"
	ControlSyncWhenOnline      = "SYNC_WHEN_ONLINE"
	ControlClearCache          = "CLEAR_CACHE"
)

// NotificationAction is a single action button attached to a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushPayload is the decoded body of a push delivery. Every field is
// optional; absent fields fall back to the agent defaults. A payload that
// fails to decode as JSON is degraded to a plain-text body.
type PushPayload struct {
	Title    string               `json:"title,omitempty"`
	Body     string               `json:"body,omitempty"`
	Icon     string               `json:"icon,omitempty"`
	Badge    string               `json:"badge,omitempty"`
	Tag      string               `json:"tag,omitempty"`
	URL      string               `json:"url,omitempty"`
	Actions  []NotificationAction `json:"actions,omitempty"`
	Data     json.RawMessage      `json:"data,omitempty"`
	Priority string               `json:"priority,omitempty"`
}

// Push priorities recognized by the display-flag derivation.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// OfflineError is the structured body returned when a network-first fetch
// fails and no cached entry exists. Callers treat it as recoverable.
type OfflineError struct {
	Error     string `json:"error"`
	Offline   bool   `json:"offline"`
	Timestamp string `json:"timestamp"`
}

// SyncTrigger is the background-sync trigger contract.
type SyncTrigger struct {
	Tag string `json:"tag"`
}

// Background-sync trigger tags. Unrecognized tags are ignored.
const (
	SyncTagAttendance   = "background-sync-attendance"
	SyncTagAssignment   = "background-sync-assignment"
	SyncTagNotification = "background-sync-notification"
)
