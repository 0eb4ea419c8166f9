package notifications

import (
	"context"
	"sync"

	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/mail"
)

// scriptedTransport returns the queued errors in order, then succeeds.
type scriptedTransport struct {
	mu       sync.Mutex
	errs     []error
	messages []mail.Message
	calls    int
}

func (t *scriptedTransport) Name() string { return "scripted" }

func (t *scriptedTransport) Send(_ context.Context, msg mail.Message) (mail.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return mail.Result{}, err
	}
	t.messages = append(t.messages, msg)
	return mail.Result{Provider: "scripted", MessageID: "msg-1"}, nil
}

type recordingSender struct {
	mu       sync.Mutex
	requests []TemplateRequest
	done     chan struct{}
}

func newRecordingSender(buffer int) *recordingSender {
	return &recordingSender{done: make(chan struct{}, buffer)}
}

func (s *recordingSender) SendTemplate(_ context.Context, req TemplateRequest) (*models.EmailLog, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	s.done <- struct{}{}
	return &models.EmailLog{}, nil
}

func (s *recordingSender) snapshot() []TemplateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TemplateRequest(nil), s.requests...)
}
