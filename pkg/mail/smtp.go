package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPSettings capture the runtime configuration required by the SMTP transport.
type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

type smtpSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPTransport sends mail through an SMTP relay using gomail.
type SMTPTransport struct {
	cfg    SMTPSettings
	sender smtpSender
}

// NewSMTPTransport validates cfg and prepares a gomail dialer.
func NewSMTPTransport(cfg SMTPSettings) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port == 0 {
		return nil, errors.New("smtp: port is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	// Port 465 expects implicit TLS; other ports negotiate STARTTLS when offered.
	dialer.SSL = cfg.UseTLS && cfg.Port == 465
	dialer.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	return &SMTPTransport{cfg: cfg, sender: dialer}, nil
}

func (t *SMTPTransport) Name() string { return ProviderSMTP }

// Send builds a multipart message (text alternative first, HTML preferred) and delivers it.
// gomail has no context support, so ctx is only checked before dialing.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Result, error) {
	env, err := prepare(msg, t.cfg.From, t.cfg.FromName)
	if err != nil {
		return Result{}, err
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	m, messageID := t.buildMessage(env, msg)
	if err := t.sender.DialAndSend(m); err != nil {
		return Result{}, fmt.Errorf("smtp: send: %w", err)
	}
	return Result{Provider: ProviderSMTP, MessageID: messageID}, nil
}

func (t *SMTPTransport) buildMessage(env envelope, msg Message) (*gomail.Message, string) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.cfg.Host)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", env.from, env.fromName)
	m.SetHeader("To", env.recipients...)
	m.SetHeader("Subject", escapeHeader(msg.Subject))
	m.SetHeader("Message-ID", messageID)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m, messageID
}
