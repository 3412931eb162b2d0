// Package render turns a message's structured payload into the final SMS
// text. Rendering failures are permanent for the row: retrying cannot fix a
// payload the renderer does not understand.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/textloop/textloop/internal/model"
)

// Error marks a rendering failure; the orchestrator treats it as permanent.
type Error struct {
	Trigger string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render %q: %v", e.Trigger, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Renderer produces final message text from message_data.
type Renderer interface {
	Render(ctx context.Context, msg *model.OutboundMessage) (string, error)
}

// TemplateRenderer renders from a fixed template set keyed by trigger. A
// payload with suggested text short-circuits the templates: the dialogue
// agent already wrote the message.
type TemplateRenderer struct {
	templates map[string]*template.Template
}

func NewTemplateRenderer(sources map[string]string) (*TemplateRenderer, error) {
	templates := make(map[string]*template.Template, len(sources))
	for trigger, src := range sources {
		tmpl, err := template.New(trigger).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", trigger, err)
		}
		templates[trigger] = tmpl
	}
	return &TemplateRenderer{templates: templates}, nil
}

func (r *TemplateRenderer) Render(ctx context.Context, msg *model.OutboundMessage) (string, error) {
	var data model.MessageData
	if err := json.Unmarshal(msg.MessageData, &data); err != nil {
		return "", &Error{Trigger: "unknown", Err: fmt.Errorf("decode message_data: %w", err)}
	}

	if data.SuggestedText != "" {
		return data.SuggestedText, nil
	}

	tmpl, ok := r.templates[data.Trigger]
	if !ok {
		return "", &Error{Trigger: data.Trigger, Err: fmt.Errorf("no template registered")}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, &data); err != nil {
		return "", &Error{Trigger: data.Trigger, Err: err}
	}
	if buf.Len() == 0 {
		return "", &Error{Trigger: data.Trigger, Err: fmt.Errorf("rendered empty message")}
	}
	return buf.String(), nil
}

// DefaultTemplates covers the built-in triggers. Deployments extend the set
// through their own wiring; unknown triggers fail the message permanently.
func DefaultTemplates() map[string]string {
	return map[string]string{
		"checkin":      "Hey, just checking in. How are things going on your end?",
		"reengagement": "It's been a little while! Whenever you're ready to pick things back up, just reply here.",
	}
}
