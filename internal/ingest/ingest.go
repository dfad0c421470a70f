// Package ingest orchestrates the idempotent persistence of one chat export:
// chat, identities, messages, reactions, and the batch audit record, in that
// order, with per-item failure isolation.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/export"
)

// ErrInvalidDocument marks an export missing its chat id or messages array.
// Raised before any write.
var ErrInvalidDocument = errors.New("invalid export: expected id and messages array")

// The primary chat keeps a fixed slug, assigned at creation only.
const mainChatSlug = "main"

// maxErrorSamples caps the diagnostic strings collected across message and
// reaction item errors combined.
const maxErrorSamples = 20

// Result summarizes one ingestion run. MessageErrors, ReactionErrors, and
// Errors are only populated when item-level failures occurred.
type Result struct {
	ChatID            int64    `json:"chatId"`
	MessagesInserted  int      `json:"messagesInserted"`
	MessagesSkipped   int      `json:"messagesSkipped"`
	ReactionsInserted int      `json:"reactionsInserted"`
	ReactionsSkipped  int      `json:"reactionsSkipped"`
	UsersUpserted     int      `json:"usersUpserted"`
	MessageErrors     int      `json:"messageErrors,omitempty"`
	ReactionErrors    int      `json:"reactionErrors,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// Coordinator runs ingestions against a Store.
type Coordinator struct {
	store  database.Store
	logger *slog.Logger
}

// NewCoordinator creates an ingestion coordinator.
func NewCoordinator(store database.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		store:  store,
		logger: logger.With("component", "ingest"),
	}
}

// Ingest persists one export document. Chat and identity upserts are
// referential-integrity preconditions and fail the whole run; individual
// message and reaction failures are counted and sampled but never abort the
// batch. Re-running with an identical document is a no-op for row counts,
// except that the audit log grows and display names may be rewritten.
func (c *Coordinator) Ingest(ctx context.Context, doc *export.Document, filename string) (*Result, error) {
	if doc == nil || doc.ID == 0 || !doc.HasMessages {
		return nil, ErrInvalidDocument
	}

	chatName := doc.Name
	if chatName == "" {
		chatName = "Unknown"
	}
	chat := &database.Chat{
		ID:   doc.ID,
		Name: chatName,
		Type: doc.Type,
		Slug: mainChatSlug,
	}
	if err := c.store.UpsertChat(ctx, chat); err != nil {
		return nil, fmt.Errorf("chat upsert failed: %w", err)
	}

	identities := ResolveIdentities(doc.Messages)
	for fromID, displayName := range identities {
		if err := c.store.UpsertUser(ctx, fromID, displayName); err != nil {
			// Identity rows must exist before the rows that reference
			// them; no partial-identity state is tolerated.
			return nil, fmt.Errorf("user upsert failed for %s: %w", fromID, err)
		}
	}

	result := &Result{
		ChatID:        doc.ID,
		UsersUpserted: len(identities),
	}

	for i := range doc.Messages {
		msg := &doc.Messages[i]
		c.ingestMessage(ctx, doc.ID, msg, result)
		c.ingestReactions(ctx, doc.ID, msg, result)
	}

	batch := &database.ImportBatch{
		ChatID:            doc.ID,
		Filename:          filename,
		MessagesInserted:  result.MessagesInserted,
		MessagesSkipped:   result.MessagesSkipped,
		ReactionsInserted: result.ReactionsInserted,
		ReactionsSkipped:  result.ReactionsSkipped,
	}
	if err := c.store.InsertImportBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("import batch insert failed: %w", err)
	}

	c.logger.InfoContext(ctx, "Ingestion completed",
		"chat_id", result.ChatID,
		"filename", filename,
		"messages_inserted", result.MessagesInserted,
		"messages_skipped", result.MessagesSkipped,
		"reactions_inserted", result.ReactionsInserted,
		"reactions_skipped", result.ReactionsSkipped,
		"users_upserted", result.UsersUpserted,
		"message_errors", result.MessageErrors,
		"reaction_errors", result.ReactionErrors)
	return result, nil
}

func (c *Coordinator) ingestMessage(ctx context.Context, chatID int64, msg *export.Message, result *Result) {
	row := &database.Message{
		ChatID:    chatID,
		MessageID: msg.ID,
		Type:      msg.Kind(),
		FromID:    nullString(msg.AuthorID()),
		ActorID:   nullString(msg.ServiceActorID()),
		Text:      nullString(msg.MessageText()),
		EditedAt:  nullString(msg.EditedAt()),
		MediaType: nullString(msg.MediaKind()),
	}
	if msg.ReplyToMessageID != nil {
		row.ReplyToMessageID = sql.NullInt64{Int64: *msg.ReplyToMessageID, Valid: true}
	}
	if t := msg.ParsedDate(); t != nil {
		row.Date = sql.NullTime{Time: *t, Valid: true}
	}

	inserted, err := c.store.InsertMessage(ctx, row)
	if err != nil {
		result.MessageErrors++
		c.sampleError(result, fmt.Sprintf("message %d: %v", msg.ID, err))
		return
	}
	if inserted {
		result.MessagesInserted++
	} else {
		result.MessagesSkipped++
	}
}

func (c *Coordinator) ingestReactions(ctx context.Context, chatID int64, msg *export.Message, result *Result) {
	for _, group := range msg.Reactions {
		for _, sighting := range group.Recent {
			reactorID := strings.TrimSpace(sighting.FromID)
			if reactorID == "" {
				// Unattributable sighting: dropped without counting.
				continue
			}
			row := &database.Reaction{
				ChatID:        chatID,
				MessageID:     msg.ID,
				ReactorFromID: reactorID,
				Emoji:         group.Emoji,
			}
			if t := export.ParseTime(sighting.Date); t != nil {
				row.ReactedAt = sql.NullTime{Time: *t, Valid: true}
			}

			inserted, err := c.store.InsertReaction(ctx, row)
			if err != nil {
				result.ReactionErrors++
				c.sampleError(result, fmt.Sprintf("reaction msg %d by %s: %v", msg.ID, reactorID, err))
				continue
			}
			if inserted {
				result.ReactionsInserted++
			} else {
				result.ReactionsSkipped++
			}
		}
	}
}

func (c *Coordinator) sampleError(result *Result, msg string) {
	if len(result.Errors) < maxErrorSamples {
		result.Errors = append(result.Errors, msg)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
