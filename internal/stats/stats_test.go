package stats

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/period"
)

func newTestEngine(t *testing.T) (*Engine, database.Store) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "chatlens.db"))
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, logger)
	return NewEngine(store, logger), store
}

func seedChat(t *testing.T, store database.Store, users map[string]string) {
	t.Helper()
	ctx := context.Background()
	if err := store.UpsertChat(ctx, &database.Chat{ID: 1, Name: "Group", Type: "group", Slug: "main"}); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	for fromID, name := range users {
		if err := store.UpsertUser(ctx, fromID, name); err != nil {
			t.Fatalf("seed user %s: %v", fromID, err)
		}
	}
}

type msgSpec struct {
	id      int64
	kind    string
	from    string
	actor   string
	text    *string
	date    *time.Time
	edited  bool
	reply   bool
	media   string
}

func insertMsg(t *testing.T, store database.Store, m msgSpec) {
	t.Helper()
	kind := m.kind
	if kind == "" {
		kind = "message"
	}
	row := &database.Message{ChatID: 1, MessageID: m.id, Type: kind}
	if m.from != "" {
		row.FromID = sql.NullString{String: m.from, Valid: true}
	}
	if m.actor != "" {
		row.ActorID = sql.NullString{String: m.actor, Valid: true}
	}
	if m.text != nil {
		row.Text = sql.NullString{String: *m.text, Valid: true}
	}
	if m.date != nil {
		row.Date = sql.NullTime{Time: *m.date, Valid: true}
	}
	if m.edited {
		row.EditedAt = sql.NullString{String: "2024-06-01T00:00:00", Valid: true}
	}
	if m.reply {
		row.ReplyToMessageID = sql.NullInt64{Int64: 1, Valid: true}
	}
	if m.media != "" {
		row.MediaType = sql.NullString{String: m.media, Valid: true}
	}
	if _, err := store.InsertMessage(context.Background(), row); err != nil {
		t.Fatalf("seed message %d: %v", m.id, err)
	}
}

func insertReaction(t *testing.T, store database.Store, messageID int64, reactor string, at *time.Time) {
	t.Helper()
	row := &database.Reaction{ChatID: 1, MessageID: messageID, ReactorFromID: reactor, Emoji: "x"}
	if at != nil {
		row.ReactedAt = sql.NullTime{Time: *at, Valid: true}
	}
	if _, err := store.InsertReaction(context.Background(), row); err != nil {
		t.Fatalf("seed reaction on %d by %s: %v", messageID, reactor, err)
	}
}

func ts(year int, month time.Month, day, hour int) *time.Time {
	t := time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
	return &t
}

func str(s string) *string { return &s }

func TestWordCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "two words", text: "Hello world", want: 2},
		{name: "empty counts as one", text: "", want: 1},
		{name: "whitespace only counts as one", text: "   ", want: 1},
		{name: "single word", text: "one", want: 1},
		{name: "double space inflates", text: "a  b", want: 3},
		{name: "surrounding whitespace trimmed", text: "  a b  ", want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WordCount(tt.text); got != tt.want {
				t.Errorf("WordCount(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestOverview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seedChat(t, store, map[string]string{"u1": "Alice", "u2": "Bob"})

	insertMsg(t, store, msgSpec{id: 1, from: "u1", text: str("a"), date: ts(2024, time.January, 1, 10)})
	insertMsg(t, store, msgSpec{id: 2, from: "u1", text: str("b"), date: ts(2024, time.January, 3, 10)})
	insertMsg(t, store, msgSpec{id: 3, from: "u1", text: str("c"), date: ts(2024, time.January, 5, 10)})
	insertMsg(t, store, msgSpec{id: 4, from: "u2", text: str("old"), date: ts(1970, time.January, 1, 0)})
	insertMsg(t, store, msgSpec{id: 5, from: "u2", text: str("undated")})
	insertMsg(t, store, msgSpec{id: 6, kind: "service", actor: "u2", date: ts(2024, time.January, 4, 0)})
	insertReaction(t, store, 1, "u2", ts(2024, time.January, 2, 0))
	insertReaction(t, store, 2, "u2", nil)

	now := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	overview, err := engine.Overview(ctx, Filter{GroupBy: period.Day}, now)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}

	// Sub-floor, undated, and service records never count as messages.
	if overview.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", overview.TotalMessages)
	}
	// The undated reaction is invisible to the series and the total alike.
	if overview.TotalReactions != 1 {
		t.Errorf("total reactions = %d, want 1", overview.TotalReactions)
	}
	if overview.ActiveUsers != 1 {
		t.Errorf("active users = %d, want 1", overview.ActiveUsers)
	}
	if overview.ActiveLast30Days != 1 {
		t.Errorf("active last 30 days = %d, want 1", overview.ActiveLast30Days)
	}

	if len(overview.MessagesOverTime) != 5 {
		t.Fatalf("series length = %d, want 5 (Jan 1 through Jan 5)", len(overview.MessagesOverTime))
	}
	sum := 0
	for _, p := range overview.MessagesOverTime {
		sum += p.Count
	}
	if sum != overview.TotalMessages {
		t.Errorf("series sum = %d, want %d (conservation)", sum, overview.TotalMessages)
	}

	// A distant now empties the trailing window without touching the totals.
	later, err := engine.Overview(ctx, Filter{GroupBy: period.Day},
		time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("overview with later now: %v", err)
	}
	if later.ActiveLast30Days != 0 {
		t.Errorf("active last 30 days = %d, want 0", later.ActiveLast30Days)
	}
	if later.TotalMessages != 3 {
		t.Errorf("total messages = %d, want 3", later.TotalMessages)
	}
}

func TestOverviewBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seedChat(t, store, map[string]string{"u1": "Alice"})

	insertMsg(t, store, msgSpec{id: 1, from: "u1", text: str("a"), date: ts(2024, time.January, 1, 10)})
	insertMsg(t, store, msgSpec{id: 2, from: "u1", text: str("b"), date: ts(2024, time.January, 3, 10)})
	insertMsg(t, store, msgSpec{id: 3, from: "u1", text: str("c"), date: ts(2024, time.January, 5, 10)})

	start := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 3, 10, 0, 0, 0, time.UTC)
	overview, err := engine.Overview(ctx, Filter{Start: &start, End: &end, GroupBy: period.Day}, time.Now())
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	// End is inclusive here: the Jan 3 record sits exactly on the bound.
	if overview.TotalMessages != 1 {
		t.Errorf("bounded total = %d, want 1", overview.TotalMessages)
	}
}

func TestUsersSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seedChat(t, store, map[string]string{"u1": "Alice", "u2": "Bob", "u3": "Cara"})

	insertMsg(t, store, msgSpec{id: 1, from: "u1", text: str("Hello world"),
		date: ts(2024, time.January, 1, 10), edited: true, reply: true, media: "photo"})
	insertMsg(t, store, msgSpec{id: 2, from: "u1", date: ts(2024, time.January, 2, 10)})
	insertMsg(t, store, msgSpec{id: 3, from: "u2", text: str("hi"),
		date: ts(2024, time.January, 1, 11), media: "video_message"})
	insertMsg(t, store, msgSpec{id: 4, from: "u2", text: str("x"),
		date: ts(2024, time.January, 1, 12), media: "audio_file"})
	insertMsg(t, store, msgSpec{id: 5, from: "u3", text: str("s"),
		date: ts(2024, time.January, 1, 13), media: "sticker"})
	insertMsg(t, store, msgSpec{id: 6, kind: "service", actor: "u1", date: ts(2024, time.January, 3, 0)})

	insertReaction(t, store, 1, "u2", ts(2024, time.January, 1, 14))
	insertReaction(t, store, 1, "u3", ts(2024, time.January, 1, 15))
	insertReaction(t, store, 3, "u3", ts(2024, time.January, 1, 16))
	insertReaction(t, store, 3, "u1", ts(2024, time.January, 1, 17))

	summaries, err := engine.UsersSummary(ctx, nil)
	if err != nil {
		t.Fatalf("users summary: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("summary rows = %d, want 3", len(summaries))
	}
	// Ordered by total activity descending.
	if summaries[0].FromID != "u1" || summaries[1].FromID != "u2" || summaries[2].FromID != "u3" {
		t.Fatalf("row order = %s, %s, %s; want u1, u2, u3",
			summaries[0].FromID, summaries[1].FromID, summaries[2].FromID)
	}

	alice := summaries[0]
	if alice.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", alice.DisplayName)
	}
	if alice.Messages != 2 || alice.ServiceEvents != 1 {
		t.Errorf("alice activity = (%d messages, %d service), want (2, 1)", alice.Messages, alice.ServiceEvents)
	}
	if alice.Chars != 11 {
		t.Errorf("alice chars = %d, want 11", alice.Chars)
	}
	// "Hello world" is two words; the null-text record still counts as one.
	if alice.Words != 3 {
		t.Errorf("alice words = %d, want 3", alice.Words)
	}
	if alice.Edited != 1 || alice.Replies != 1 {
		t.Errorf("alice edited/replies = (%d, %d), want (1, 1)", alice.Edited, alice.Replies)
	}
	if alice.Media.Photos != 1 || alice.Media.Videos != 0 {
		t.Errorf("alice media = %+v, want one photo", alice.Media)
	}
	if alice.ActiveDays != 3 {
		t.Errorf("alice active days = %d, want 3", alice.ActiveDays)
	}
	if alice.ReactionsReceived != 2 || alice.ReactionsGiven != 1 {
		t.Errorf("alice reactions = (%d received, %d given), want (2, 1)",
			alice.ReactionsReceived, alice.ReactionsGiven)
	}
	if alice.ReactionsPerMessage != 0.67 {
		t.Errorf("alice ratio = %v, want 0.67", alice.ReactionsPerMessage)
	}
	if alice.FirstActivity == nil || !alice.FirstActivity.Equal(*ts(2024, time.January, 1, 10)) {
		t.Errorf("alice first activity = %v, want Jan 1 10:00", alice.FirstActivity)
	}
	if alice.LastActivity == nil || !alice.LastActivity.Equal(*ts(2024, time.January, 3, 0)) {
		t.Errorf("alice last activity = %v, want Jan 3 00:00", alice.LastActivity)
	}

	bob := summaries[1]
	if bob.Media.Videos != 1 || bob.Media.Audios != 1 {
		t.Errorf("bob media = %+v, want one video and one audio", bob.Media)
	}
	cara := summaries[2]
	if cara.Media.Files != 1 {
		t.Errorf("cara media = %+v, want one file (unknown kinds count as files)", cara.Media)
	}

	// Cara reacted once to u1 and once to u2; the tie breaks to the smaller
	// author id.
	if cara.TopReactedTo == nil || cara.TopReactedTo.FromID != "u1" || cara.TopReactedTo.Count != 1 {
		t.Errorf("cara top reacted-to = %+v, want u1 with count 1", cara.TopReactedTo)
	}
}

func TestPeriodDetail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seedChat(t, store, map[string]string{"u1": "Alice", "u2": "Bob"})

	longText := strings.Repeat("é", 250)
	insertMsg(t, store, msgSpec{id: 1, from: "u1", text: str("in window"), date: ts(2024, time.January, 1, 10)})
	insertMsg(t, store, msgSpec{id: 2, from: "u2", text: str(longText), date: ts(2024, time.January, 1, 23)})
	insertMsg(t, store, msgSpec{id: 3, from: "u1", text: str("on the bound"), date: ts(2024, time.January, 2, 0)})

	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	detail, err := engine.PeriodDetail(ctx, Filter{Start: &start, End: &end})
	if err != nil {
		t.Fatalf("period detail: %v", err)
	}

	// End is exclusive: the record at exactly Jan 2 00:00 belongs to the
	// next period.
	if detail.Count != 2 {
		t.Errorf("count = %d, want 2", detail.Count)
	}
	if len(detail.ByUser) != 2 {
		t.Fatalf("byUser rows = %d, want 2", len(detail.ByUser))
	}
	if len(detail.RecentMessages) != 2 {
		t.Fatalf("recent rows = %d, want 2", len(detail.RecentMessages))
	}
	if detail.RecentMessages[0].MessageID != 2 {
		t.Errorf("newest first: got message %d, want 2", detail.RecentMessages[0].MessageID)
	}
	if got := len([]rune(detail.RecentMessages[0].Text)); got != 200 {
		t.Errorf("truncated text runes = %d, want 200", got)
	}

	if _, err := engine.PeriodDetail(ctx, Filter{Start: &start}); err == nil {
		t.Error("missing end must be rejected")
	}
}

func TestReactionsGiven(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	engine, store := newTestEngine(t)
	seedChat(t, store, map[string]string{"u1": "Alice", "u2": "Bob", "u3": "Cara"})

	insertMsg(t, store, msgSpec{id: 1, from: "u1", text: str("a"), date: ts(2024, time.January, 1, 10)})
	insertMsg(t, store, msgSpec{id: 2, from: "u1", text: str("b"), date: ts(2024, time.January, 1, 11)})
	insertMsg(t, store, msgSpec{id: 3, from: "u2", text: str("c"), date: ts(2024, time.January, 1, 12)})

	insertReaction(t, store, 1, "u3", ts(2024, time.January, 1, 13))
	insertReaction(t, store, 2, "u3", ts(2024, time.January, 1, 14))
	insertReaction(t, store, 3, "u3", ts(2024, time.January, 1, 15))

	breakdown, err := engine.ReactionsGiven(ctx, "u3")
	if err != nil {
		t.Fatalf("reactions given: %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("breakdown rows = %d, want 2", len(breakdown))
	}
	if breakdown[0].FromID != "u1" || breakdown[0].Count != 2 {
		t.Errorf("top receiver = %+v, want u1 with 2", breakdown[0])
	}
	if breakdown[1].FromID != "u2" || breakdown[1].Count != 1 {
		t.Errorf("second receiver = %+v, want u2 with 1", breakdown[1])
	}
}
