package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authkit/internal/models"
)

func waitFor(t *testing.T, done <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d", i+1)
		}
	}
}

func TestDispatcherDeliversWithBaseContext(t *testing.T) {
	sender := newRecordingSender(4)
	d, err := NewDispatcher(DispatcherConfig{Enabled: true, Workers: 2, SiteName: "Authkit", FrontendURL: "https://app.example.com/"}, nil, sender)
	require.NoError(t, err)
	d.Start(context.Background())

	user := &models.User{ID: "user-1", Email: "ada@example.com"}
	require.NoError(t, d.Publish(Event{
		Action:  ActionPasswordReset,
		User:    user,
		Context: map[string]any{"reset_url": "https://app.example.com/reset-password?token=t"},
	}))
	waitFor(t, sender.done, 1)
	require.NoError(t, d.Stop(context.Background()))

	requests := sender.snapshot()
	require.Len(t, requests, 1)
	req := requests[0]
	require.Equal(t, "ada@example.com", req.Recipient)
	require.Equal(t, "password_reset", req.TemplateName)
	require.Equal(t, "Reset your password", req.Subject)
	require.Equal(t, ActionPasswordReset, req.Action)
	require.Equal(t, "user-1", *req.UserID)
	require.Equal(t, "Authkit", req.Context["site_name"])
	require.Equal(t, "https://app.example.com", req.Context["frontend_url"])
	require.Equal(t, "https://app.example.com/login", req.Context["login_url"])
	require.Equal(t, user, req.Context["user"])
	require.Equal(t, "https://app.example.com/reset-password?token=t", req.Context["reset_url"])
}

func TestDispatcherSkipsDisabledActions(t *testing.T) {
	sender := newRecordingSender(1)
	d, err := NewDispatcher(DispatcherConfig{Enabled: true}, nil, sender)
	require.NoError(t, err)

	require.NoError(t, d.Handle(context.Background(), Event{Action: "unknown", Recipient: "a@example.com"}))
	require.Empty(t, sender.snapshot())

	require.ErrorIs(t, d.Handle(context.Background(), Event{Action: ActionCustom, Recipient: "a@example.com"}), ErrMissingTemplate)
	require.ErrorIs(t, d.Handle(context.Background(), Event{Action: ActionEmailVerified}), ErrMissingRecipient)
}

func TestDispatcherGlobalSwitch(t *testing.T) {
	sender := newRecordingSender(1)
	d, err := NewDispatcher(DispatcherConfig{Enabled: false}, nil, sender)
	require.NoError(t, err)
	d.Start(context.Background())

	require.NoError(t, d.Publish(Event{Action: ActionEmailVerified, Recipient: "a@example.com"}))
	require.NoError(t, d.Stop(context.Background()))
	require.Empty(t, sender.snapshot())
}

func TestDispatcherQueueFullFailsFast(t *testing.T) {
	sender := newRecordingSender(4)
	d, err := NewDispatcher(DispatcherConfig{Enabled: true, QueueSize: 1}, nil, sender)
	require.NoError(t, err)

	// Not started, so the single slot stays occupied.
	require.NoError(t, d.Publish(Event{Action: ActionEmailVerified, Recipient: "a@example.com"}))
	require.ErrorIs(t, d.Publish(Event{Action: ActionEmailVerified, Recipient: "b@example.com"}), ErrQueueFull)

	d.Start(context.Background())
	waitFor(t, sender.done, 1)
	require.NoError(t, d.Stop(context.Background()))
	require.ErrorIs(t, d.Publish(Event{Action: ActionEmailVerified, Recipient: "c@example.com"}), ErrDispatcherClosed)
}

func TestDispatcherStopDrainsQueue(t *testing.T) {
	sender := newRecordingSender(8)
	d, err := NewDispatcher(DispatcherConfig{Enabled: true, Workers: 1, QueueSize: 8}, nil, sender)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Publish(Event{Action: ActionPasswordChanged, Recipient: "a@example.com"}))
	}
	d.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.Len(t, sender.snapshot(), 5)
}
