package core

import "strings"

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

func (TextPart) isPart() {}

// DataPart is a structured data segment (e.g. retrieved memory hints or
// image references attached to a multimodal turn).
type DataPart struct {
	Data     map[string]any
	Metadata map[string]any
}

func (DataPart) isPart() {}

// Content holds a conversation role plus ordered parts. A turn with a single
// TextPart is the common case; multimodal turns carry several parts.
type Content struct {
	Role  string `json:"role,omitempty"` // user, assistant, system
	Parts []Part `json:"parts"`
}

// NewTextContent builds a single-text-part Content for the given role.
func NewTextContent(role, text string) Content {
	return Content{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts in order. Data parts are skipped.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// IsEmpty reports whether the content carries no non-blank text and no data.
func (c Content) IsEmpty() bool {
	for _, p := range c.Parts {
		switch v := p.(type) {
		case TextPart:
			if strings.TrimSpace(v.Text) != "" {
				return false
			}
		case DataPart:
			if len(v.Data) > 0 {
				return false
			}
		}
	}
	return true
}
