// Package notify abstracts user-facing notifications so the session logic
// stays independent of how a device surfaces them.
package notify

import "github.com/rs/zerolog/log"

// Notifier posts a user-visible notification. Identifier dedupes repeated
// posts of the same notification.
type Notifier interface {
	Notify(title, body, identifier string)
}

// LogNotifier writes notifications to the structured log. It is the default
// sink for headless agents and tests.
type LogNotifier struct{}

func (LogNotifier) Notify(title, body, identifier string) {
	log.Info().
		Str("title", title).
		Str("body", body).
		Str("identifier", identifier).
		Msg("notification")
}

// FuncNotifier adapts a function to the Notifier interface.
type FuncNotifier func(title, body, identifier string)

func (f FuncNotifier) Notify(title, body, identifier string) {
	f(title, body, identifier)
}
