package database

import (
	"database/sql"
	"time"
)

// Chat is one imported group chat, keyed by its external Telegram id.
type Chat struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Type      string    `db:"type" json:"type"`
	Slug      string    `db:"slug" json:"slug"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// User is a chat participant or roster-only contact. Participants carry an
// external FromID; roster-only entries carry a Username handle instead.
// AssignedTo and Notes are CRM-owned and never written by ingestion.
type User struct {
	ID          int64          `db:"id" json:"id"`
	FromID      sql.NullString `db:"from_id" json:"from_id"`
	Username    sql.NullString `db:"username" json:"username"`
	DisplayName string         `db:"display_name" json:"display_name"`
	IsPremium   bool           `db:"is_premium" json:"is_premium"`
	AssignedTo  sql.NullString `db:"assigned_to" json:"assigned_to"`
	Notes       sql.NullString `db:"notes" json:"notes"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Message is one normalized export record, unique per (chat_id, message_id)
// and immutable once inserted. Date is null when the export timestamp could
// not be parsed; such rows stay invisible to date-floored aggregates.
type Message struct {
	ID               int64          `db:"id" json:"id"`
	ChatID           int64          `db:"chat_id" json:"chat_id"`
	MessageID        int64          `db:"message_id" json:"message_id"`
	Type             string         `db:"type" json:"type"`
	Date             sql.NullTime   `db:"date" json:"date"`
	FromID           sql.NullString `db:"from_id" json:"from_id"`
	ActorID          sql.NullString `db:"actor_id" json:"actor_id"`
	Text             sql.NullString `db:"text" json:"text"`
	ReplyToMessageID sql.NullInt64  `db:"reply_to_message_id" json:"reply_to_message_id"`
	EditedAt         sql.NullString `db:"edited_at" json:"edited_at"`
	MediaType        sql.NullString `db:"media_type" json:"media_type"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// Reaction is one reactor's reaction to one message, unique per
// (chat_id, message_id, reactor_from_id). First sighting wins.
type Reaction struct {
	ID            int64        `db:"id" json:"id"`
	ChatID        int64        `db:"chat_id" json:"chat_id"`
	MessageID     int64        `db:"message_id" json:"message_id"`
	ReactorFromID string       `db:"reactor_from_id" json:"reactor_from_id"`
	Emoji         string       `db:"emoji" json:"emoji"`
	ReactedAt     sql.NullTime `db:"reacted_at" json:"reacted_at"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// ImportBatch is the append-only audit record of one ingestion run.
type ImportBatch struct {
	ID                int64     `db:"id" json:"id"`
	ChatID            int64     `db:"chat_id" json:"chat_id"`
	Filename          string    `db:"filename" json:"filename"`
	MessagesInserted  int       `db:"messages_inserted" json:"messages_inserted"`
	MessagesSkipped   int       `db:"messages_skipped" json:"messages_skipped"`
	ReactionsInserted int       `db:"reactions_inserted" json:"reactions_inserted"`
	ReactionsSkipped  int       `db:"reactions_skipped" json:"reactions_skipped"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// ContactCall is one CRM call-log entry, unique per (user_id, call_number).
type ContactCall struct {
	ID             int64          `db:"id" json:"id"`
	UserID         int64          `db:"user_id" json:"user_id"`
	CallNumber     int            `db:"call_number" json:"call_number"`
	CalledAt       time.Time      `db:"called_at" json:"called_at"`
	Notes          sql.NullString `db:"notes" json:"notes"`
	Objections     sql.NullString `db:"objections" json:"objections"`
	PlansDiscussed sql.NullString `db:"plans_discussed" json:"plans_discussed"`
	CreatedBy      sql.NullString `db:"created_by" json:"created_by"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// ReactionAuthor pairs one reaction with the author of the message it landed
// on. AuthorFromID is null when the reacted-to record has no author.
type ReactionAuthor struct {
	ReactorFromID string         `db:"reactor_from_id"`
	AuthorFromID  sql.NullString `db:"author_from_id"`
}

// Contact is one row of the CRM contact list: the user plus derived
// last-activity and call-log figures.
type Contact struct {
	User
	LastActivity sql.NullTime `db:"last_activity" json:"last_activity"`
	CallCount    int          `db:"call_count" json:"call_count"`
	LastCallAt   sql.NullTime `db:"last_call_at" json:"last_call_at"`
}
