// Package export parses Telegram chat export documents into a normalized
// representation suitable for ingestion.
package export

import (
	"bytes"
	"encoding/json"
)

// Document is the top-level shape of a chat export file.
type Document struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`

	// HasMessages distinguishes an absent messages array from an empty one.
	HasMessages bool `json:"-"`
}

// UnmarshalJSON tracks whether the messages key was present at all, since an
// export without a messages array is rejected outright.
func (d *Document) UnmarshalJSON(data []byte) error {
	type alias Document
	var raw struct {
		alias
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document(raw.alias)
	d.Messages = nil
	if len(raw.Messages) > 0 && !bytes.Equal(raw.Messages, []byte("null")) {
		d.HasMessages = true
		if err := json.Unmarshal(raw.Messages, &d.Messages); err != nil {
			return err
		}
	}
	return nil
}

// Message is one message-like record from an export. Service records carry
// Actor/ActorID instead of From/FromID.
type Message struct {
	ID               int64      `json:"id"`
	Type             string     `json:"type"`
	Date             string     `json:"date"`
	Edited           string     `json:"edited"`
	From             string     `json:"from"`
	FromID           string     `json:"from_id"`
	Actor            string     `json:"actor"`
	ActorID          string     `json:"actor_id"`
	Text             TextValue  `json:"text"`
	TextEntities     []Entity   `json:"text_entities"`
	ReplyToMessageID *int64     `json:"reply_to_message_id"`
	Photo            *string    `json:"photo"`
	MediaType        string     `json:"media_type"`
	File             *string    `json:"file"`
	Reactions        []Reaction `json:"reactions"`
}

// Entity is one element of the structured text_entities list.
type Entity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reaction is one reaction group attached to a message: a single emoji and
// the reactor sightings Telegram includes for it.
type Reaction struct {
	Type   string     `json:"type"`
	Emoji  string     `json:"emoji"`
	Count  int        `json:"count"`
	Recent []Sighting `json:"recent"`
}

// Sighting is one reactor entry within a reaction group.
type Sighting struct {
	From   string `json:"from"`
	FromID string `json:"from_id"`
	Date   string `json:"date"`
}

// TextValue holds the heterogeneous text field of an export message as a
// tagged variant: a plain string, a list of parts (bare strings or objects
// with a text subfield), or an arbitrary raw value.
type TextValue struct {
	Plain *string
	Parts []TextPart
	Raw   json.RawMessage
}

// TextPart is one element of a list-valued text field.
type TextPart struct {
	Plain *string
	Text  string
}

// UnmarshalJSON decodes into whichever variant the JSON value matches.
func (v *TextValue) UnmarshalJSON(data []byte) error {
	*v = TextValue{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Plain = &s
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err == nil {
		v.Parts = make([]TextPart, 0, len(parts))
		for _, p := range parts {
			var part TextPart
			var ps string
			if err := json.Unmarshal(p, &ps); err == nil {
				part.Plain = &ps
			} else {
				var obj struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal(p, &obj); err == nil {
					part.Text = obj.Text
				} else {
					part.Text = string(p)
				}
			}
			v.Parts = append(v.Parts, part)
		}
		return nil
	}
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}
