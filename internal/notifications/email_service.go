package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/mail"
	"github.com/charlesng35/authkit/pkg/metrics"
)

const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Minute
	DefaultMaxBackoff     = 10 * time.Minute
)

// RetryPolicy controls redelivery of transient failures. MaxRetries counts attempts after the first.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.MaxInterval = p.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// TemplateRequest asks the EmailService to render and deliver a template.
type TemplateRequest struct {
	Recipient    string
	TemplateName string
	Subject      string
	Action       string
	UserID       *string
	Context      map[string]any
}

// EmailOption customises the EmailService.
type EmailOption func(*EmailService)

// WithSender sets the default From header.
func WithSender(from, fromName string) EmailOption {
	return func(s *EmailService) {
		s.from = strings.TrimSpace(from)
		s.fromName = strings.TrimSpace(fromName)
	}
}

// WithRetryPolicy overrides the redelivery schedule.
func WithRetryPolicy(policy RetryPolicy) EmailOption {
	return func(s *EmailService) {
		if policy.InitialBackoff <= 0 {
			policy.InitialBackoff = DefaultInitialBackoff
		}
		if policy.MaxBackoff < policy.InitialBackoff {
			policy.MaxBackoff = policy.InitialBackoff
		}
		s.retry = policy
	}
}

// WithEmailClock injects a custom time source.
func WithEmailClock(clock func() time.Time) EmailOption {
	return func(s *EmailService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// EmailService renders templates, delivers them through a mail.Transport and records an
// EmailLog row per message.
type EmailService struct {
	db        *gorm.DB
	transport mail.Transport
	renderer  *Renderer
	from      string
	fromName  string
	retry     RetryPolicy
	now       func() time.Time
	log       *zap.Logger
}

func NewEmailService(db *gorm.DB, transport mail.Transport, renderer *Renderer, opts ...EmailOption) (*EmailService, error) {
	if db == nil {
		return nil, errors.New("email service: db is required")
	}
	if transport == nil {
		return nil, errors.New("email service: transport is required")
	}
	if renderer == nil {
		return nil, errors.New("email service: renderer is required")
	}

	svc := &EmailService{
		db:        db,
		transport: transport,
		renderer:  renderer,
		retry: RetryPolicy{
			MaxRetries:     DefaultMaxRetries,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
		},
		now: time.Now,
		log: logger.WithModule("mail"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// SendTemplate renders req and delivers it. Rendering failures are not retried.
func (s *EmailService) SendTemplate(ctx context.Context, req TemplateRequest) (*models.EmailLog, error) {
	rendered, err := s.renderer.Render(ctx, req.TemplateName, req.Subject, req.Context)
	if err != nil {
		return nil, err
	}

	msg := mail.Message{
		To:      []string{req.Recipient},
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}
	return s.Send(ctx, msg, LogMeta{
		TemplateName: req.TemplateName,
		Action:       req.Action,
		UserID:       req.UserID,
		Metadata:     map[string]any{"template_source": string(rendered.Source)},
	})
}

// LogMeta annotates the EmailLog row written for a message.
type LogMeta struct {
	TemplateName string
	Action       string
	UserID       *string
	Metadata     map[string]any
}

// Send delivers msg, retrying transient failures, and returns the final EmailLog. The log
// moves from pending to sent or failed exactly once.
func (s *EmailService) Send(ctx context.Context, msg mail.Message, meta LogMeta) (*models.EmailLog, error) {
	if msg.From == "" {
		msg.From = s.from
	}
	if msg.FromName == "" {
		msg.FromName = s.fromName
	}

	provider := s.transport.Name()
	entry := &models.EmailLog{
		Recipient:    strings.Join(msg.To, ", "),
		Subject:      msg.Subject,
		TemplateName: meta.TemplateName,
		Action:       meta.Action,
		Provider:     provider,
		Status:       models.EmailStatusPending,
		UserID:       meta.UserID,
	}
	if len(meta.Metadata) > 0 {
		entry.Metadata = datatypes.JSONMap(meta.Metadata)
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("email service: create log: %w", err)
	}

	var result mail.Result
	operation := func() error {
		entry.Attempts++
		res, err := s.transport.Send(ctx, msg)
		if err != nil {
			if mail.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.EmailsSent.WithLabelValues(provider, "retry").Inc()
		s.log.Warn("email delivery failed, retrying",
			zap.String("log_id", entry.ID),
			zap.Int("attempt", entry.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	sendErr := backoff.RetryNotify(operation, s.retry.backOff(ctx), notify)

	updates := map[string]any{"attempts": entry.Attempts}
	if sendErr != nil {
		entry.Status = models.EmailStatusFailed
		entry.ErrorMessage = sendErr.Error()
		updates["status"] = entry.Status
		updates["error_message"] = entry.ErrorMessage
		metrics.EmailsSent.WithLabelValues(provider, "failed").Inc()
		s.log.Error("email delivery failed",
			zap.String("log_id", entry.ID),
			zap.String("action", meta.Action),
			zap.Int("attempts", entry.Attempts),
			zap.Error(sendErr),
		)
	} else {
		sentAt := s.now()
		entry.Status = models.EmailStatusSent
		entry.ProviderMessageID = result.MessageID
		entry.SentAt = &sentAt
		updates["status"] = entry.Status
		updates["provider_message_id"] = entry.ProviderMessageID
		updates["sent_at"] = sentAt
		metrics.EmailsSent.WithLabelValues(provider, "sent").Inc()
		s.log.Info("email sent",
			zap.String("log_id", entry.ID),
			zap.String("action", meta.Action),
			zap.String("message_id", result.MessageID),
		)
	}

	// The outcome is recorded even when ctx was cancelled mid-retry.
	if err := s.db.WithContext(context.WithoutCancel(ctx)).
		Model(&models.EmailLog{}).
		Where("id = ?", entry.ID).
		Updates(updates).Error; err != nil {
		return entry, multierr.Append(sendErr, fmt.Errorf("email service: update log: %w", err))
	}

	if sendErr != nil {
		return entry, fmt.Errorf("email service: deliver: %w", sendErr)
	}
	return entry, nil
}
