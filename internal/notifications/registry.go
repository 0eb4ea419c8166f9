package notifications

import "strings"

// ActionConfig describes the email sent for an action.
type ActionConfig struct {
	Template string
	Subject  string
	Enabled  bool
}

// Registry maps actions to their email configuration. Unknown actions are disabled.
type Registry map[string]ActionConfig

// DefaultRegistry returns the built-in action table.
func DefaultRegistry() Registry {
	return Registry{
		ActionUserRegistered:  {Template: "verify_email", Subject: "Verify your email address", Enabled: true},
		ActionPasswordReset:   {Template: "password_reset", Subject: "Reset your password", Enabled: true},
		ActionEmailVerified:   {Template: "welcome", Subject: "Welcome to our platform!", Enabled: true},
		ActionPasswordChanged: {Template: "password_changed", Subject: "Your password was changed", Enabled: true},
		// Custom events must carry their own template and subject.
		ActionCustom: {Enabled: true},
	}
}

// Lookup returns the configuration for action.
func (r Registry) Lookup(action string) ActionConfig {
	cfg, ok := r[strings.TrimSpace(action)]
	if !ok {
		return ActionConfig{}
	}
	return cfg
}

// Resolve applies event overrides on top of the registry entry.
func (r Registry) Resolve(event Event) ActionConfig {
	cfg := r.Lookup(event.Action)
	if name := strings.TrimSpace(event.TemplateName); name != "" {
		cfg.Template = name
	}
	if subject := strings.TrimSpace(event.Subject); subject != "" {
		cfg.Subject = subject
	}
	return cfg
}
