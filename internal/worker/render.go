package worker

import (
	"fmt"
	"strings"
	"text/template"

	"carwatch/internal/db"
)

// Renderer produces channel-specific content for a notification. The
// real template catalog lives in the templating subsystem; this package
// only defines the contract plus a default implementation.
type Renderer interface {
	Render(channel, language string, notif *db.Notification) (*Content, error)
}

// TemplateRenderer renders content from a small built-in template set
// keyed by channel and language, falling back to English.
type TemplateRenderer struct {
	templates map[string]*template.Template
}

type renderData struct {
	Title string
	Body  string
}

var defaultTemplates = map[string]string{
	"email/en":  "Subject: {{.Title}}\n{{.Body}}\n\nManage your alerts in your account settings.",
	"push/en":   "Subject: {{.Title}}\n{{.Body}}",
	"in_app/en": "Subject: {{.Title}}\n{{.Body}}",
}

// NewTemplateRenderer creates a renderer with the built-in templates.
func NewTemplateRenderer() (*TemplateRenderer, error) {
	templates := make(map[string]*template.Template, len(defaultTemplates))
	for key, text := range defaultTemplates {
		tmpl, err := template.New(key).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", key, err)
		}
		templates[key] = tmpl
	}

	return &TemplateRenderer{templates: templates}, nil
}

// Render produces subject and text for one notification.
func (r *TemplateRenderer) Render(channel, language string, notif *db.Notification) (*Content, error) {
	tmpl, ok := r.templates[channel+"/"+language]
	if !ok {
		tmpl, ok = r.templates[channel+"/en"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: no template for channel %s", ErrPermanent, channel)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, renderData{Title: notif.Title, Body: notif.Body}); err != nil {
		return nil, fmt.Errorf("%w: execute template: %v", ErrPermanent, err)
	}

	rendered := sb.String()
	subject := notif.Title
	text := rendered

	// First "Subject:" line, when present, overrides the notification title.
	if strings.HasPrefix(rendered, "Subject: ") {
		parts := strings.SplitN(rendered, "\n", 2)
		subject = strings.TrimPrefix(parts[0], "Subject: ")
		if len(parts) == 2 {
			text = parts[1]
		} else {
			text = ""
		}
	}

	return &Content{Subject: subject, Text: text}, nil
}
