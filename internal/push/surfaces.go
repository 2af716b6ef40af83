package push

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogDisplayer writes notifications to the log. It stands in for a real
// platform notification surface in headless deployments.
type LogDisplayer struct{}

// Display logs the notification.
func (LogDisplayer) Display(_ context.Context, n *Notification) error {
	log.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("tag", n.Tag).
		Str("priority", n.Priority).
		Bool("require_interaction", n.RequireInteraction).
		Bool("silent", n.Silent).
		Msg("Notification")
	return nil
}

// LogWindowManager logs window operations. With no real windows to focus,
// every interaction opens a new one.
type LogWindowManager struct{}

// Windows reports no open windows.
func (LogWindowManager) Windows(context.Context) ([]Window, error) {
	return nil, nil
}

// Focus logs the focus request.
func (LogWindowManager) Focus(_ context.Context, id string) error {
	log.Info().Str("window", id).Msg("Focus window")
	return nil
}

// Open logs the open request.
func (LogWindowManager) Open(_ context.Context, url string) error {
	log.Info().Str("url", url).Msg("Open window")
	return nil
}
