// Package notifications turns domain events into transactional email.
//
// Services publish an Event after their transaction commits. A Dispatcher queues events on a
// buffered channel and a pool of workers resolves each action through the Registry, renders
// the template and delivers it through the EmailService, retrying transient failures.
package notifications

import "github.com/charlesng35/authkit/internal/models"

// Well-known actions.
const (
	ActionUserRegistered  = "user_registered"
	ActionPasswordReset   = "password_reset"
	ActionEmailVerified   = "email_verified"
	ActionPasswordChanged = "password_changed"
	ActionCustom          = "custom"
)

// Event asks for one email. TemplateName and Subject override the registry entry.
type Event struct {
	Action       string
	Recipient    string
	User         *models.User
	Context      map[string]any
	TemplateName string
	Subject      string
}

// Publisher accepts events for asynchronous delivery.
type Publisher interface {
	Publish(event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event) error

func (f PublisherFunc) Publish(event Event) error { return f(event) }
