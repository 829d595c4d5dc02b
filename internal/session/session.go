// Package session defines conversation sessions and their durable stores.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTitle is assigned to sessions created without a title.
const DefaultTitle = "New Chat"

// ContentKind tags the variant held by an AssistantContent.
type ContentKind int

const (
	KindText ContentKind = iota
	KindMedia
)

// Media references a generated artifact on disk.
type Media struct {
	Path    string `json:"path"`
	Caption string `json:"caption"`
}

// AssistantContent is either plain text or a media reference.
// The zero value is empty text, the state of a turn that has not streamed yet.
type AssistantContent struct {
	Kind  ContentKind
	Text  string
	Media Media
}

// Text returns text content.
func Text(s string) AssistantContent {
	return AssistantContent{Kind: KindText, Text: s}
}

// MediaContent returns a media reference.
func MediaContent(path, caption string) AssistantContent {
	return AssistantContent{Kind: KindMedia, Media: Media{Path: path, Caption: caption}}
}

// IsMedia reports whether the content is a media reference.
func (c AssistantContent) IsMedia() bool { return c.Kind == KindMedia }

// IsEmpty reports whether the content is empty text.
func (c AssistantContent) IsEmpty() bool { return c.Kind == KindText && c.Text == "" }

// Markdown renders the content for a text-only surface.
func (c AssistantContent) Markdown() string {
	switch c.Kind {
	case KindMedia:
		return fmt.Sprintf("![%s](%s)", c.Media.Caption, c.Media.Path)
	default:
		return c.Text
	}
}

// MarshalJSON encodes text as a JSON string and media as {"path","caption"}.
func (c AssistantContent) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindMedia:
		return json.Marshal(c.Media)
	case KindText:
		return json.Marshal(c.Text)
	default:
		return nil, fmt.Errorf("unknown assistant content kind %d", c.Kind)
	}
}

// UnmarshalJSON accepts a string, a {"path","caption"} object, a
// [path, caption] pair, or null (empty text).
func (c *AssistantContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = Text("")
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
	case '{':
		var m Media
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*c = MediaContent(m.Path, m.Caption)
	case '[':
		var pair []string
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("media pair must have 2 elements, got %d", len(pair))
		}
		*c = MediaContent(pair[0], pair[1])
	default:
		return fmt.Errorf("unsupported assistant content: %s", data)
	}
	return nil
}

// Turn is one user message and the assistant response to it.
type Turn struct {
	UserMessage string
	Assistant   AssistantContent
}

// MarshalJSON encodes a turn as a [user_message, assistant_message] pair.
func (t Turn) MarshalJSON() ([]byte, error) {
	user, err := json.Marshal(t.UserMessage)
	if err != nil {
		return nil, err
	}
	assistant, err := t.Assistant.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(user)
	buf.WriteByte(',')
	buf.Write(assistant)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the pair form or {"user_message","assistant_message"}.
func (t *Turn) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			UserMessage      string           `json:"user_message"`
			AssistantMessage AssistantContent `json:"assistant_message"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		t.UserMessage = obj.UserMessage
		t.Assistant = obj.AssistantMessage
		return nil
	}

	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode turn: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("turn must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &t.UserMessage); err != nil {
		return fmt.Errorf("decode user message: %w", err)
	}
	return t.Assistant.UnmarshalJSON(pair[1])
}

// Session is a titled, ordered conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	History   []Turn    `json:"history"`
}

// timestampLayouts are accepted for created_at. Records written by older
// versions carry no zone offset and are read as local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp with or without a zone offset.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// UnmarshalJSON reads created_at through ParseTimestamp. Encoding keeps the
// default RFC 3339 form.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var raw struct {
		*plain
		CreatedAt string `json:"created_at"`
	}
	raw.plain = (*plain)(s)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.CreatedAt == "" {
		s.CreatedAt = time.Time{}
		return nil
	}
	t, err := ParseTimestamp(raw.CreatedAt)
	if err != nil {
		return err
	}
	s.CreatedAt = t
	return nil
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// CloneHistory returns an independent copy of h. Turns hold only values, so
// a shallow slice copy is enough.
func CloneHistory(h []Turn) []Turn {
	out := make([]Turn, len(h))
	copy(out, h)
	return out
}
