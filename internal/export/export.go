package export

import (
	"strings"
	"time"
)

// Media kinds produced by classification. MediaKind returns other export
// supplied values (video_file, audio_file, ...) verbatim.
const (
	MediaPhoto = "photo"
	MediaFile  = "file"
)

// Message kinds as they appear in exports.
const (
	KindMessage = "message"
	KindService = "service"
)

// Kind returns the record kind, defaulting to an ordinary message when the
// export leaves it unspecified.
func (m *Message) Kind() string {
	if m.Type == "" {
		return KindMessage
	}
	return m.Type
}

// AuthorID returns the author for ordinary messages, empty otherwise.
func (m *Message) AuthorID() string {
	if m.Kind() == KindService {
		return ""
	}
	return m.FromID
}

// ServiceActorID returns the acting user for service records, empty otherwise.
func (m *Message) ServiceActorID() string {
	if m.Kind() != KindService {
		return ""
	}
	return m.ActorID
}

// MessageText extracts the message text, applying the fixed precedence:
// a direct string value wins; then the text_entities list (subfield texts
// concatenated in order); then a list-of-parts text value; anything else is
// coerced to a string, or empty when absent.
func (m *Message) MessageText() string {
	if m.Text.Plain != nil {
		return *m.Text.Plain
	}
	if m.TextEntities != nil {
		var b strings.Builder
		for _, e := range m.TextEntities {
			b.WriteString(e.Text)
		}
		return b.String()
	}
	if m.Text.Parts != nil {
		var b strings.Builder
		for _, p := range m.Text.Parts {
			if p.Plain != nil {
				b.WriteString(*p.Plain)
			} else {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	if len(m.Text.Raw) > 0 {
		return string(m.Text.Raw)
	}
	return ""
}

// MediaKind classifies the message's attachment. An explicit photo marker
// wins; then an export-supplied media_type verbatim; then a file marker.
// Empty means no media.
func (m *Message) MediaKind() string {
	if m.Photo != nil {
		return MediaPhoto
	}
	if m.MediaType != "" {
		return m.MediaType
	}
	if m.File != nil {
		return MediaFile
	}
	return ""
}

// EditedAt returns the edit timestamp exactly as supplied, empty if absent.
func (m *Message) EditedAt() string {
	return m.Edited
}

// ParsedDate parses the message's primary timestamp. A trailing "Z" zone
// marker is rewritten to an explicit UTC offset before parsing. Returns nil
// on any parse failure; the message is still usable, it just stays invisible
// to date-floored aggregates.
func (m *Message) ParsedDate() *time.Time {
	return ParseTime(m.Date)
}

// ParseTime parses an export timestamp string, nil on failure.
func ParseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
