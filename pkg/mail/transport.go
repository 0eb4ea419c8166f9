package mail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Supported provider identifiers.
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderResend   = "resend"
	ProviderConsole  = "console"
)

var (
	// ErrNoRecipients is returned when a message has no usable To address.
	ErrNoRecipients = errors.New("mail: at least one recipient is required")
	// ErrMissingSender is returned when neither the message nor the settings name a sender.
	ErrMissingSender = errors.New("mail: sender address is required")
	// ErrUnknownProvider is returned by NewTransport for unsupported provider names.
	ErrUnknownProvider = errors.New("mail: unknown provider")
	// ErrInvalidAddress is returned when a sender or recipient cannot be parsed.
	ErrInvalidAddress = errors.New("mail: invalid address")
)

// Message represents an outbound email. HTML is the primary body, Text an optional alternative.
type Message struct {
	From     string
	FromName string
	To       []string
	Subject  string
	HTML     string
	Text     string
}

// Result describes an accepted message.
type Result struct {
	Provider  string
	MessageID string
}

// Transport delivers a rendered message through a single vendor.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
	Name() string
}

// Settings capture everything NewTransport needs to build any transport.
type Settings struct {
	Provider         string
	APIKey           string
	From             string
	FromName         string
	SMTP             SMTPSettings
	SendGridEndpoint string
	ResendEndpoint   string
	Timeout          time.Duration
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// ProviderError reports a non-success response from an HTTP email API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the request could succeed.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsPermanent reports whether err is a delivery failure that a retry will not fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoRecipients) || errors.Is(err, ErrMissingSender) || errors.Is(err, ErrInvalidAddress) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return !perr.Temporary()
	}
	return false
}

// NewTransport selects the transport named by settings.Provider. Selection happens once at startup.
func NewTransport(settings Settings) (Transport, error) {
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(settings.Provider)) {
	case ProviderSMTP, "":
		smtpCfg := settings.SMTP
		if smtpCfg.From == "" {
			smtpCfg.From = settings.From
		}
		if smtpCfg.FromName == "" {
			smtpCfg.FromName = settings.FromName
		}
		if smtpCfg.Timeout <= 0 {
			smtpCfg.Timeout = settings.Timeout
		}
		transport, err := NewSMTPTransport(smtpCfg)
		if err != nil {
			return nil, err
		}
		return transport, nil
	case ProviderSendGrid:
		transport, err := NewSendGridTransport(settings)
		if err != nil {
			return nil, err
		}
		return transport, nil
	case ProviderResend:
		transport, err := NewResendTransport(settings)
		if err != nil {
			return nil, err
		}
		return transport, nil
	case ProviderConsole:
		return NewConsoleTransport(settings.From, settings.FromName, settings.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, settings.Provider)
	}
}

// FormatAddress renders "Name <addr>" or just the address when name is empty.
func FormatAddress(address, name string) string {
	address = strings.TrimSpace(address)
	name = strings.TrimSpace(name)
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

type envelope struct {
	from       string
	fromName   string
	recipients []string
}

// prepare resolves the sender and validates every address before any network work.
func prepare(msg Message, defaultFrom, defaultName string) (envelope, error) {
	recipients := uniqueAddresses(msg.To)
	if len(recipients) == 0 {
		return envelope{}, ErrNoRecipients
	}

	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = strings.TrimSpace(defaultFrom)
	}
	if from == "" {
		return envelope{}, ErrMissingSender
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return envelope{}, fmt.Errorf("%w: from %q: %v", ErrInvalidAddress, from, err)
	}

	for _, rcpt := range recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return envelope{}, fmt.Errorf("%w: recipient %q: %v", ErrInvalidAddress, rcpt, err)
		}
	}

	name := strings.TrimSpace(msg.FromName)
	if name == "" {
		name = strings.TrimSpace(defaultName)
	}

	return envelope{from: from, fromName: name, recipients: recipients}, nil
}

func uniqueAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	var result []string
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, addr)
	}
	return result
}

func escapeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return value
}
