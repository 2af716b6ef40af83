package router

import "github.com/rs/zerolog/log"

// LogAlerter writes transient alerts to the log. It stands in for a real
// toast surface in headless deployments.
type LogAlerter struct{}

// Show logs the alert at a level matching its severity.
func (LogAlerter) Show(alert Alert) {
	event := log.Info()
	switch alert.Severity {
	case SeverityWarning:
		event = log.Warn()
	case SeverityCritical:
		event = log.Error()
	}
	event.Str("title", alert.Title).Str("message", alert.Message).Msg("Alert")
}
