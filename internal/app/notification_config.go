package app

import (
	"github.com/charlesng35/authkit/internal/notifications"
)

// DispatcherConfig combines the worker settings with the email switch and the site identity
// that every template receives.
func (c Config) DispatcherConfig() notifications.DispatcherConfig {
	return notifications.DispatcherConfig{
		Enabled:     c.Email.Enabled,
		Workers:     c.Notifications.Workers,
		QueueSize:   c.Notifications.QueueSize,
		SiteName:    c.Auth.SiteName,
		FrontendURL: c.Auth.FrontendURL,
	}
}

// RetryPolicy converts the retry schedule, falling back to the notification defaults.
func (c NotificationConfig) RetryPolicy() notifications.RetryPolicy {
	policy := notifications.RetryPolicy{
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = notifications.DefaultInitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = notifications.DefaultMaxBackoff
	}
	return policy
}
