package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNoFields is returned by UpdateUserCRM when the patch contains nothing
// to update.
var ErrNoFields = errors.New("no fields to update")

// MessageFilter narrows message scans. Nil fields are ignored. Date bounds
// are intentionally absent: time filtering happens in the aggregation layer.
type MessageFilter struct {
	ChatID *int64
	FromID *string // author
}

// ReactionFilter narrows reaction scans. Nil fields are ignored.
type ReactionFilter struct {
	ChatID    *int64
	ReactorID *string
}

// ContactFilter narrows the CRM contact list.
type ContactFilter struct {
	IsPremium  *bool
	AssignedTo *string
	ChatID     *int64 // scopes the derived last-activity column
}

// UserCRMPatch carries the CRM-owned user fields for a partial update. A nil
// pointer leaves the field untouched; a non-nil NullString may set it to null.
type UserCRMPatch struct {
	IsPremium  *bool
	AssignedTo *sql.NullString
	Notes      *sql.NullString
}

// Store defines the persistence operations used by ingestion, aggregation,
// and the CRM surface.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertChat inserts the chat or refreshes name/type on conflict by
	// external id. The slug is fixed at creation and never updated.
	UpsertChat(ctx context.Context, chat *Chat) error

	// UpsertUser inserts the user or overwrites display_name on conflict
	// by external from_id.
	UpsertUser(ctx context.Context, fromID, displayName string) error

	// InsertMessage attempts an insert-or-ignore keyed on
	// (chat_id, message_id). Returns true if a row was inserted, false if
	// the natural key already existed.
	InsertMessage(ctx context.Context, msg *Message) (bool, error)

	// InsertReaction attempts an insert-or-ignore keyed on
	// (chat_id, message_id, reactor_from_id).
	InsertReaction(ctx context.Context, r *Reaction) (bool, error)

	// InsertImportBatch appends one audit record.
	InsertImportBatch(ctx context.Context, batch *ImportBatch) error

	// ListChats returns all chats ordered by slug.
	ListChats(ctx context.Context) ([]Chat, error)

	// ListUsers returns all users ordered by id.
	ListUsers(ctx context.Context) ([]User, error)

	// ListContacts returns the CRM contact list with derived activity and
	// call figures.
	ListContacts(ctx context.Context, f ContactFilter) ([]Contact, error)

	// GetUserByFromID returns the user with the given external id, or
	// nil, nil if absent.
	GetUserByFromID(ctx context.Context, fromID string) (*User, error)

	// GetUserByID returns the user with the given internal id, or nil, nil.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// UpdateUserCRM applies a partial update of the CRM-owned fields and
	// returns the refreshed row.
	UpdateUserCRM(ctx context.Context, id int64, patch UserCRMPatch) (*User, error)

	// ListMessages scans messages matching the filter, in insertion order.
	ListMessages(ctx context.Context, f MessageFilter) ([]Message, error)

	// ListReactions scans reactions matching the filter.
	ListReactions(ctx context.Context, f ReactionFilter) ([]Reaction, error)

	// ListReactionAuthors joins each matching reaction to the author of the
	// message it landed on.
	ListReactionAuthors(ctx context.Context, f ReactionFilter) ([]ReactionAuthor, error)

	// ListUserMessages returns one page of a user's ordinary messages,
	// newest first.
	ListUserMessages(ctx context.Context, fromID string, limit, offset int) ([]Message, error)

	// CountUserMessages counts a user's ordinary messages.
	CountUserMessages(ctx context.Context, fromID string) (int, error)

	// ListUserCalls returns a user's call log ordered by call number.
	ListUserCalls(ctx context.Context, userID int64) ([]ContactCall, error)

	// UpsertCall inserts or replaces the call keyed on
	// (user_id, call_number) and returns the stored row.
	UpsertCall(ctx context.Context, call *ContactCall) (*ContactCall, error)

	// RunMaintenance performs periodic database maintenance (ANALYZE,
	// VACUUM).
	RunMaintenance(ctx context.Context) error
}

// sqlxStore implements Store using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a Store backed by the given sqlx connection.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) UpsertChat(ctx context.Context, chat *Chat) error {
	if chat == nil {
		return fmt.Errorf("cannot upsert nil chat")
	}
	now := time.Now().UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	query := `
        INSERT INTO chats (id, name, type, slug, created_at, updated_at)
        VALUES (:id, :name, :type, :slug, :created_at, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            type = excluded.type,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, chat); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting chat", "chat_id", chat.ID, "error", err)
		return fmt.Errorf("failed to upsert chat %d: %w", chat.ID, err)
	}
	return nil
}

func (s *sqlxStore) UpsertUser(ctx context.Context, fromID, displayName string) error {
	if fromID == "" {
		return fmt.Errorf("cannot upsert user with empty from_id")
	}
	now := time.Now().UTC()

	query := `
        INSERT INTO users (from_id, display_name, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (from_id) DO UPDATE SET
            display_name = excluded.display_name,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.ExecContext(ctx, query, fromID, displayName, now, now); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting user", "from_id", fromID, "error", err)
		return fmt.Errorf("failed to upsert user %s: %w", fromID, err)
	}
	return nil
}

func (s *sqlxStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil {
		return false, fmt.Errorf("cannot insert nil message")
	}
	msg.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO messages (chat_id, message_id, type, date, from_id, actor_id, text,
                              reply_to_message_id, edited_at, media_type, created_at)
        VALUES (:chat_id, :message_id, :type, :date, :from_id, :actor_id, :text,
                :reply_to_message_id, :edited_at, :media_type, :created_at)
        ON CONFLICT (chat_id, message_id) DO NOTHING;
    `
	result, err := s.db.NamedExecContext(ctx, query, msg)
	if err != nil {
		return false, fmt.Errorf("failed to insert message (chat %d, message %d): %w", msg.ChatID, msg.MessageID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not read affected row count after message insert",
			"chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
		return false, nil
	}
	return affected > 0, nil
}

func (s *sqlxStore) InsertReaction(ctx context.Context, r *Reaction) (bool, error) {
	if r == nil {
		return false, fmt.Errorf("cannot insert nil reaction")
	}
	r.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO reactions (chat_id, message_id, reactor_from_id, emoji, reacted_at, created_at)
        VALUES (:chat_id, :message_id, :reactor_from_id, :emoji, :reacted_at, :created_at)
        ON CONFLICT (chat_id, message_id, reactor_from_id) DO NOTHING;
    `
	result, err := s.db.NamedExecContext(ctx, query, r)
	if err != nil {
		return false, fmt.Errorf("failed to insert reaction (chat %d, message %d, reactor %s): %w",
			r.ChatID, r.MessageID, r.ReactorFromID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		s.logger.WarnContext(ctx, "Could not read affected row count after reaction insert",
			"chat_id", r.ChatID, "message_id", r.MessageID, "error", err)
		return false, nil
	}
	return affected > 0, nil
}

func (s *sqlxStore) InsertImportBatch(ctx context.Context, batch *ImportBatch) error {
	if batch == nil {
		return fmt.Errorf("cannot insert nil import batch")
	}
	batch.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO import_batches (chat_id, filename, messages_inserted, messages_skipped,
                                    reactions_inserted, reactions_skipped, created_at)
        VALUES (:chat_id, :filename, :messages_inserted, :messages_skipped,
                :reactions_inserted, :reactions_skipped, :created_at);
    `
	if _, err := s.db.NamedExecContext(ctx, query, batch); err != nil {
		s.logger.ErrorContext(ctx, "Error inserting import batch", "chat_id", batch.ChatID, "error", err)
		return fmt.Errorf("failed to insert import batch for chat %d: %w", batch.ChatID, err)
	}
	return nil
}

func (s *sqlxStore) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	query := `SELECT id, name, type, slug, created_at, updated_at FROM chats ORDER BY slug;`
	if err := s.db.SelectContext(ctx, &chats, query); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

func (s *sqlxStore) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	query := `
        SELECT id, from_id, username, display_name, is_premium, assigned_to, notes, created_at, updated_at
        FROM users ORDER BY id;
    `
	if err := s.db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *sqlxStore) ListContacts(ctx context.Context, f ContactFilter) ([]Contact, error) {
	var args []any
	chatCond := ""
	if f.ChatID != nil {
		chatCond = "AND chat_id = ?"
		args = append(args, *f.ChatID)
	}
	conds := []string{"1=1"}
	if f.IsPremium != nil {
		conds = append(conds, "u.is_premium = ?")
		args = append(args, *f.IsPremium)
	}
	if f.AssignedTo != nil && *f.AssignedTo != "" {
		conds = append(conds, "u.assigned_to = ?")
		args = append(args, *f.AssignedTo)
	}

	query := fmt.Sprintf(`
        WITH last_activity AS (
            SELECT from_id, MAX(date) AS last_date
            FROM messages
            WHERE from_id IS NOT NULL %s
            GROUP BY from_id
        ),
        call_counts AS (
            SELECT user_id, COUNT(*) AS call_count, MAX(called_at) AS last_call
            FROM contact_calls
            GROUP BY user_id
        )
        SELECT u.id, u.from_id, u.username, u.display_name, u.is_premium, u.assigned_to, u.notes,
               u.created_at, u.updated_at,
               la.last_date AS last_activity,
               COALESCE(cc.call_count, 0) AS call_count,
               cc.last_call AS last_call_at
        FROM users u
        LEFT JOIN last_activity la ON la.from_id = u.from_id
        LEFT JOIN call_counts cc ON cc.user_id = u.id
        WHERE %s
        ORDER BY la.last_date DESC NULLS LAST, u.display_name;
    `, chatCond, strings.Join(conds, " AND "))

	var contacts []Contact
	if err := s.db.SelectContext(ctx, &contacts, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return contacts, nil
}

func (s *sqlxStore) GetUserByFromID(ctx context.Context, fromID string) (*User, error) {
	return s.getUser(ctx, "from_id = ?", fromID)
}

func (s *sqlxStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *sqlxStore) getUser(ctx context.Context, cond string, arg any) (*User, error) {
	var user User
	query := `
        SELECT id, from_id, username, display_name, is_premium, assigned_to, notes, created_at, updated_at
        FROM users WHERE ` + cond
	err := s.db.GetContext(ctx, &user, query, arg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *sqlxStore) UpdateUserCRM(ctx context.Context, id int64, patch UserCRMPatch) (*User, error) {
	var sets []string
	var args []any
	if patch.IsPremium != nil {
		sets = append(sets, "is_premium = ?")
		args = append(args, *patch.IsPremium)
	}
	if patch.AssignedTo != nil {
		sets = append(sets, "assigned_to = ?")
		args = append(args, *patch.AssignedTo)
	}
	if patch.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *patch.Notes)
	}
	if len(sets) == 0 {
		return nil, ErrNoFields
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = ?;`, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.ErrorContext(ctx, "Error updating user CRM fields", "user_id", id, "error", err)
		return nil, fmt.Errorf("failed to update user %d: %w", id, err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *sqlxStore) ListMessages(ctx context.Context, f MessageFilter) ([]Message, error) {
	conds := []string{"1=1"}
	var args []any
	if f.ChatID != nil {
		conds = append(conds, "chat_id = ?")
		args = append(args, *f.ChatID)
	}
	if f.FromID != nil {
		conds = append(conds, "from_id = ?")
		args = append(args, *f.FromID)
	}

	query := fmt.Sprintf(`
        SELECT id, chat_id, message_id, type, date, from_id, actor_id, text,
               reply_to_message_id, edited_at, media_type, created_at
        FROM messages
        WHERE %s
        ORDER BY id;
    `, strings.Join(conds, " AND "))

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func (s *sqlxStore) ListReactions(ctx context.Context, f ReactionFilter) ([]Reaction, error) {
	conds := []string{"1=1"}
	var args []any
	if f.ChatID != nil {
		conds = append(conds, "chat_id = ?")
		args = append(args, *f.ChatID)
	}
	if f.ReactorID != nil {
		conds = append(conds, "reactor_from_id = ?")
		args = append(args, *f.ReactorID)
	}

	query := fmt.Sprintf(`
        SELECT id, chat_id, message_id, reactor_from_id, emoji, reacted_at, created_at
        FROM reactions
        WHERE %s
        ORDER BY id;
    `, strings.Join(conds, " AND "))

	var reactions []Reaction
	if err := s.db.SelectContext(ctx, &reactions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	return reactions, nil
}

func (s *sqlxStore) ListReactionAuthors(ctx context.Context, f ReactionFilter) ([]ReactionAuthor, error) {
	conds := []string{"1=1"}
	var args []any
	if f.ChatID != nil {
		conds = append(conds, "r.chat_id = ?")
		args = append(args, *f.ChatID)
	}
	if f.ReactorID != nil {
		conds = append(conds, "r.reactor_from_id = ?")
		args = append(args, *f.ReactorID)
	}

	query := fmt.Sprintf(`
        SELECT r.reactor_from_id, m.from_id AS author_from_id
        FROM reactions r
        JOIN messages m ON m.chat_id = r.chat_id AND m.message_id = r.message_id
        WHERE %s
        ORDER BY r.id;
    `, strings.Join(conds, " AND "))

	var pairs []ReactionAuthor
	if err := s.db.SelectContext(ctx, &pairs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reaction authors: %w", err)
	}
	return pairs, nil
}

func (s *sqlxStore) ListUserMessages(ctx context.Context, fromID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	} else if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var messages []Message
	query := `
        SELECT id, chat_id, message_id, type, date, from_id, actor_id, text,
               reply_to_message_id, edited_at, media_type, created_at
        FROM messages
        WHERE from_id = ? AND type = 'message'
        ORDER BY date DESC NULLS LAST
        LIMIT ? OFFSET ?;
    `
	if err := s.db.SelectContext(ctx, &messages, query, fromID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list messages for user %s: %w", fromID, err)
	}
	return messages, nil
}

func (s *sqlxStore) CountUserMessages(ctx context.Context, fromID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE from_id = ? AND type = 'message';`
	if err := s.db.GetContext(ctx, &count, query, fromID); err != nil {
		return 0, fmt.Errorf("failed to count messages for user %s: %w", fromID, err)
	}
	return count, nil
}

func (s *sqlxStore) ListUserCalls(ctx context.Context, userID int64) ([]ContactCall, error) {
	var calls []ContactCall
	query := `
        SELECT id, user_id, call_number, called_at, notes, objections, plans_discussed,
               created_by, created_at, updated_at
        FROM contact_calls
        WHERE user_id = ?
        ORDER BY call_number;
    `
	if err := s.db.SelectContext(ctx, &calls, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list calls for user %d: %w", userID, err)
	}
	return calls, nil
}

func (s *sqlxStore) UpsertCall(ctx context.Context, call *ContactCall) (*ContactCall, error) {
	if call == nil {
		return nil, fmt.Errorf("cannot upsert nil call")
	}
	now := time.Now().UTC()
	call.CreatedAt = now
	call.UpdatedAt = now

	query := `
        INSERT INTO contact_calls (user_id, call_number, called_at, notes, objections,
                                   plans_discussed, created_by, created_at, updated_at)
        VALUES (:user_id, :call_number, :called_at, :notes, :objections,
                :plans_discussed, :created_by, :created_at, :updated_at)
        ON CONFLICT (user_id, call_number) DO UPDATE SET
            called_at = excluded.called_at,
            notes = excluded.notes,
            objections = excluded.objections,
            plans_discussed = excluded.plans_discussed,
            created_by = excluded.created_by,
            updated_at = excluded.updated_at;
    `
	if _, err := s.db.NamedExecContext(ctx, query, call); err != nil {
		s.logger.ErrorContext(ctx, "Error upserting call",
			"user_id", call.UserID, "call_number", call.CallNumber, "error", err)
		return nil, fmt.Errorf("failed to upsert call %d for user %d: %w", call.CallNumber, call.UserID, err)
	}

	var stored ContactCall
	readBack := `
        SELECT id, user_id, call_number, called_at, notes, objections, plans_discussed,
               created_by, created_at, updated_at
        FROM contact_calls
        WHERE user_id = ? AND call_number = ?;
    `
	if err := s.db.GetContext(ctx, &stored, readBack, call.UserID, call.CallNumber); err != nil {
		return nil, fmt.Errorf("failed to read back call %d for user %d: %w", call.CallNumber, call.UserID, err)
	}
	return &stored, nil
}

func (s *sqlxStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.InfoContext(ctx, "Starting database maintenance")

	if _, err := s.db.ExecContext(ctx, "ANALYZE;"); err != nil {
		return fmt.Errorf("failed to execute ANALYZE: %w", err)
	}
	// VACUUM must run outside a transaction in SQLite.
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance completed")
	return nil
}
