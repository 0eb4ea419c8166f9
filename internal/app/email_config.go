package app

import (
	"strings"

	"github.com/charlesng35/authkit/internal/notifications"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/mail"
)

// TransportSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) TransportSettings() mail.Settings {
	return mail.Settings{
		Provider: strings.ToLower(strings.TrimSpace(c.Provider)),
		APIKey:   strings.TrimSpace(c.APIKey),
		From:     strings.TrimSpace(c.From),
		FromName: strings.TrimSpace(c.FromName),
		SMTP: mail.SMTPSettings{
			Host:     strings.TrimSpace(c.SMTP.Host),
			Port:     c.SMTP.Port,
			Username: c.SMTP.Username,
			Password: c.SMTP.Password,
			UseTLS:   c.SMTP.UseTLS,
			Timeout:  c.SMTP.Timeout,
		},
		SendGridEndpoint: strings.TrimSpace(c.SendGrid.Endpoint),
		ResendEndpoint:   strings.TrimSpace(c.Resend.Endpoint),
		Timeout:          c.SMTP.Timeout,
		Logger:           logger.WithModule("mail"),
	}
}

// Source returns the template lookup mode, defaulting to database-first.
func (c EmailConfig) Source() notifications.TemplateSource {
	switch source := notifications.TemplateSource(strings.ToLower(strings.TrimSpace(c.TemplateSource))); source {
	case notifications.TemplateSourceStatic, notifications.TemplateSourceDBOnly:
		return source
	default:
		return notifications.TemplateSourceDB
	}
}
