package notifications

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/logger"
	"github.com/charlesng35/authkit/pkg/metrics"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

var (
	// ErrQueueFull is returned by Publish when no buffer slot is free.
	ErrQueueFull = errors.New("notifications: queue is full")
	// ErrDispatcherClosed is returned by Publish after Stop.
	ErrDispatcherClosed = errors.New("notifications: dispatcher is stopped")
	// ErrMissingRecipient is returned for events without a recipient.
	ErrMissingRecipient = errors.New("notifications: recipient is required")
	// ErrMissingTemplate is returned when neither the registry nor the event names a template.
	ErrMissingTemplate = errors.New("notifications: template is required")
)

// Sender renders and delivers one templated email.
type Sender interface {
	SendTemplate(ctx context.Context, req TemplateRequest) (*models.EmailLog, error)
}

// DispatcherConfig controls the worker pool and the base template context.
type DispatcherConfig struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	SiteName    string
	FrontendURL string
}

// Dispatcher queues events and delivers them from a pool of workers.
type Dispatcher struct {
	cfg      DispatcherConfig
	registry Registry
	sender   Sender
	queue    chan Event
	log      *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, registry Registry, sender Sender) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("notifications: sender is required")
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	cfg.FrontendURL = strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/")

	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		sender:   sender,
		queue:    make(chan Event, cfg.QueueSize),
		log:      logger.WithModule("notifications"),
	}, nil
}

// Start launches the workers. They stop once Stop has drained the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for event := range d.queue {
		metrics.NotificationQueueDepth.Dec()
		if err := d.Handle(ctx, event); err != nil {
			d.log.Error("notification failed",
				zap.String("action", event.Action),
				zap.String("recipient", event.Recipient),
				zap.Error(err),
			)
		}
	}
}

// Publish enqueues event without blocking.
func (d *Dispatcher) Publish(event Event) error {
	if !d.cfg.Enabled {
		d.log.Debug("email disabled, dropping notification", zap.String("action", event.Action))
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		metrics.NotificationQueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new events and waits for the workers to drain the queue or for ctx to end.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle delivers event synchronously. Disabled actions are skipped without error.
func (d *Dispatcher) Handle(ctx context.Context, event Event) error {
	cfg := d.registry.Resolve(event)
	if !cfg.Enabled {
		d.log.Info("email action disabled, skipping", zap.String("action", event.Action))
		return nil
	}

	recipient := strings.TrimSpace(event.Recipient)
	if recipient == "" && event.User != nil {
		recipient = event.User.Email
	}
	if recipient == "" {
		return ErrMissingRecipient
	}
	if cfg.Template == "" {
		return ErrMissingTemplate
	}

	req := TemplateRequest{
		Recipient:    recipient,
		TemplateName: cfg.Template,
		Subject:      cfg.Subject,
		Action:       event.Action,
		Context:      d.templateContext(event),
	}
	if event.User != nil && event.User.ID != "" {
		id := event.User.ID
		req.UserID = &id
	}

	_, err := d.sender.SendTemplate(ctx, req)
	return err
}

func (d *Dispatcher) templateContext(event Event) map[string]any {
	data := map[string]any{
		"site_name":    d.cfg.SiteName,
		"frontend_url": d.cfg.FrontendURL,
		"login_url":    d.cfg.FrontendURL + "/login",
	}
	if event.User != nil {
		data["user"] = event.User
	}
	for key, value := range event.Context {
		data[key] = value
	}
	return data
}
