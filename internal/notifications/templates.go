package notifications

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/models"
)

// TemplateSource selects where templates are loaded from.
type TemplateSource string

const (
	// TemplateSourceDB prefers active database templates and falls back to the embedded ones.
	TemplateSourceDB TemplateSource = "db"
	// TemplateSourceStatic only uses the embedded templates.
	TemplateSourceStatic TemplateSource = "static"
	// TemplateSourceDBOnly only uses database templates.
	TemplateSourceDBOnly TemplateSource = "db_only"
)

var (
	ErrTemplateNotFound = errors.New("notifications: template not found")
	// ErrSubjectRequired is returned when an embedded template is rendered without a subject.
	ErrSubjectRequired = errors.New("notifications: subject is required for static templates")
)

//go:embed templates/*.html templates/*.txt
var staticTemplates embed.FS

// Rendered is a fully rendered email.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
	Source  TemplateSource
}

// Renderer resolves and executes email templates.
type Renderer struct {
	db     *gorm.DB
	source TemplateSource
	html   *htmltemplate.Template
	text   *texttemplate.Template
}

// NewRenderer parses the embedded templates. db may be nil in static mode.
func NewRenderer(db *gorm.DB, source TemplateSource) (*Renderer, error) {
	switch source {
	case "":
		source = TemplateSourceDB
	case TemplateSourceDB, TemplateSourceStatic, TemplateSourceDBOnly:
	default:
		return nil, fmt.Errorf("notifications: unknown template source %q", source)
	}
	if db == nil && source != TemplateSourceStatic {
		return nil, errors.New("notifications: db is required for database templates")
	}

	html, err := htmltemplate.ParseFS(staticTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("notifications: parse html templates: %w", err)
	}
	text, err := texttemplate.ParseFS(staticTemplates, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("notifications: parse text templates: %w", err)
	}

	return &Renderer{db: db, source: source, html: html, text: text}, nil
}

// Render produces the email for name. subject is required when the embedded template is used
// and ignored when a database template supplies its own.
func (r *Renderer) Render(ctx context.Context, name, subject string, data map[string]any) (Rendered, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Rendered{}, ErrTemplateNotFound
	}

	if r.source == TemplateSourceDB || r.source == TemplateSourceDBOnly {
		tpl, err := r.lookup(ctx, name)
		if err != nil {
			return Rendered{}, err
		}
		if tpl != nil {
			return renderStored(tpl, data)
		}
		if r.source == TemplateSourceDBOnly {
			return Rendered{}, fmt.Errorf("%w: %q has no active database template", ErrTemplateNotFound, name)
		}
	}

	return r.renderStatic(name, subject, data)
}

func (r *Renderer) lookup(ctx context.Context, name string) (*models.EmailTemplate, error) {
	var tpl models.EmailTemplate
	err := r.db.WithContext(ctx).
		Where("name = ? AND is_active = ?", name, true).
		First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notifications: load template %q: %w", name, err)
	}
	return &tpl, nil
}

func (r *Renderer) renderStatic(name, subject string, data map[string]any) (Rendered, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Rendered{}, ErrSubjectRequired
	}

	htmlTpl := r.html.Lookup(name + ".html")
	if htmlTpl == nil {
		return Rendered{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}

	var html bytes.Buffer
	if err := htmlTpl.Execute(&html, data); err != nil {
		return Rendered{}, fmt.Errorf("notifications: render %q: %w", name, err)
	}

	out := Rendered{Subject: subject, HTML: html.String(), Source: TemplateSourceStatic}
	if textTpl := r.text.Lookup(name + ".txt"); textTpl != nil {
		var text bytes.Buffer
		if err := textTpl.Execute(&text, data); err != nil {
			return Rendered{}, fmt.Errorf("notifications: render %q text: %w", name, err)
		}
		out.Text = text.String()
	}
	return out, nil
}

func renderStored(tpl *models.EmailTemplate, data map[string]any) (Rendered, error) {
	subject, err := executeText(tpl.Name+":subject", tpl.Subject, data)
	if err != nil {
		return Rendered{}, err
	}

	htmlTpl, err := htmltemplate.New(tpl.Name).Parse(tpl.HTMLBody)
	if err != nil {
		return Rendered{}, fmt.Errorf("notifications: parse template %q: %w", tpl.Name, err)
	}
	var html bytes.Buffer
	if err := htmlTpl.Execute(&html, data); err != nil {
		return Rendered{}, fmt.Errorf("notifications: render %q: %w", tpl.Name, err)
	}

	out := Rendered{Subject: strings.TrimSpace(subject), HTML: html.String(), Source: TemplateSourceDB}
	if strings.TrimSpace(tpl.TextBody) != "" {
		if out.Text, err = executeText(tpl.Name+":text", tpl.TextBody, data); err != nil {
			return Rendered{}, err
		}
	}
	return out, nil
}

func executeText(name, body string, data map[string]any) (string, error) {
	tpl, err := texttemplate.New(name).Parse(body)
	if err != nil {
		return "", fmt.Errorf("notifications: parse template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notifications: render %q: %w", name, err)
	}
	return buf.String(), nil
}
