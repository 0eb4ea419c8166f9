package notifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/authkit/internal/database/testutil"
	"github.com/charlesng35/authkit/internal/models"
)

func sampleContext() map[string]any {
	return map[string]any{
		"site_name":        "Authkit",
		"frontend_url":     "https://app.example.com",
		"user":             &models.User{Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
		"verification_url": "https://app.example.com/verify-email?token=abc123",
	}
}

func TestRenderStaticTemplate(t *testing.T) {
	renderer, err := NewRenderer(nil, TemplateSourceStatic)
	require.NoError(t, err)

	out, err := renderer.Render(context.Background(), "verify_email", "Verify your email address", sampleContext())
	require.NoError(t, err)
	require.Equal(t, TemplateSourceStatic, out.Source)
	require.Equal(t, "Verify your email address", out.Subject)
	require.Contains(t, out.HTML, "Ada Lovelace")
	require.Contains(t, out.HTML, "token=abc123")
	require.Contains(t, out.Text, "https://app.example.com/verify-email?token=abc123")

	_, err = renderer.Render(context.Background(), "verify_email", "", sampleContext())
	require.ErrorIs(t, err, ErrSubjectRequired)

	_, err = renderer.Render(context.Background(), "no_such_template", "Subject", sampleContext())
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRenderEscapesHTML(t *testing.T) {
	renderer, err := NewRenderer(nil, TemplateSourceStatic)
	require.NoError(t, err)

	data := sampleContext()
	data["user"] = &models.User{Email: "x@example.com", FirstName: "<script>"}
	out, err := renderer.Render(context.Background(), "welcome", "Welcome", data)
	require.NoError(t, err)
	require.NotContains(t, out.HTML, "<script>")
	require.Contains(t, out.Text, "<script>")
}

func TestRenderPrefersDatabaseTemplate(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	require.NoError(t, db.Create(&models.EmailTemplate{
		Name:     "verify_email",
		Subject:  "Confirm {{.site_name}}",
		HTMLBody: `<a href="{{.verification_url}}">{{.user.FirstName}}</a>`,
		TextBody: "Go to {{.verification_url}}",
	}).Error)

	renderer, err := NewRenderer(db, TemplateSourceDB)
	require.NoError(t, err)

	out, err := renderer.Render(context.Background(), "verify_email", "ignored", sampleContext())
	require.NoError(t, err)
	require.Equal(t, TemplateSourceDB, out.Source)
	require.Equal(t, "Confirm Authkit", out.Subject)
	require.Contains(t, out.HTML, ">Ada</a>")
	require.Equal(t, "Go to https://app.example.com/verify-email?token=abc123", out.Text)

	// Templates without a database row fall back to the embedded files.
	out, err = renderer.Render(context.Background(), "welcome", "Welcome", sampleContext())
	require.NoError(t, err)
	require.Equal(t, TemplateSourceStatic, out.Source)
}

func TestRenderIgnoresInactiveTemplateAndDBOnlyFails(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	tpl := &models.EmailTemplate{Name: "welcome", Subject: "DB welcome", HTMLBody: "<p>db</p>"}
	require.NoError(t, db.Create(tpl).Error)
	require.NoError(t, db.Model(tpl).Update("is_active", false).Error)

	renderer, err := NewRenderer(db, TemplateSourceDBOnly)
	require.NoError(t, err)

	_, err = renderer.Render(context.Background(), "welcome", "Welcome", sampleContext())
	require.ErrorIs(t, err, ErrTemplateNotFound)

	staticFirst, err := NewRenderer(db, TemplateSourceStatic)
	require.NoError(t, err)
	out, err := staticFirst.Render(context.Background(), "welcome", "Welcome", sampleContext())
	require.NoError(t, err)
	require.Equal(t, "Welcome", out.Subject)
}

func TestNewRendererValidatesSource(t *testing.T) {
	_, err := NewRenderer(nil, TemplateSource("s3"))
	require.Error(t, err)

	_, err = NewRenderer(nil, TemplateSourceDB)
	require.Error(t, err)
}
