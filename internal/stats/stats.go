// Package stats computes aggregate statistics over the normalized store:
// KPI overviews with dense time series, per-user activity rollups, and
// drill-downs for a single calendar period. Chat and actor narrowing happens
// in SQL; date filtering and bucketing happen here.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/period"
)

// ErrMissingBounds is returned by PeriodDetail when start or end is absent.
var ErrMissingBounds = errors.New("period detail requires both start and end")

const (
	topUsersLimit       = 20
	recentMessagesLimit = 50
	recentTextRunes     = 200
	activeWindowDays    = 30
)

// Filter narrows an aggregation. Nil fields are ignored. ActorID selects the
// author for messages and the reactor for reactions. Start is inclusive; End
// is inclusive for Overview and exclusive for PeriodDetail.
type Filter struct {
	ChatID  *int64
	ActorID *string
	Start   *time.Time
	End     *time.Time
	GroupBy period.Granularity
}

// Overview carries the headline KPIs plus dense activity series.
type Overview struct {
	TotalMessages     int            `json:"totalMessages"`
	TotalReactions    int            `json:"totalReactions"`
	ActiveUsers       int            `json:"activeUsers"`
	ActiveLast30Days  int            `json:"activeLast30Days"`
	MessagesOverTime  []period.Point `json:"messagesOverTime"`
	ReactionsOverTime []period.Point `json:"reactionsOverTime"`
}

// MediaCounts groups a user's media activity by kind. Photos and the video
// and audio kinds are matched exactly; everything else with a media marker
// counts as a file.
type MediaCounts struct {
	Photos int `json:"photos"`
	Videos int `json:"videos"`
	Audios int `json:"audios"`
	Files  int `json:"files"`
}

// TopReactedTo names the author a user reacted to most.
type TopReactedTo struct {
	FromID      string `json:"fromId"`
	DisplayName string `json:"displayName"`
	Count       int    `json:"count"`
}

// UserSummary is one per-user rollup row.
type UserSummary struct {
	FromID              string        `json:"fromId"`
	DisplayName         string        `json:"displayName"`
	Messages            int           `json:"messages"`
	ServiceEvents       int           `json:"serviceEvents"`
	Media               MediaCounts   `json:"media"`
	Edited              int           `json:"edited"`
	Replies             int           `json:"replies"`
	Chars               int           `json:"chars"`
	Words               int           `json:"words"`
	FirstActivity       *time.Time    `json:"firstActivity,omitempty"`
	LastActivity        *time.Time    `json:"lastActivity,omitempty"`
	ActiveDays          int           `json:"activeDays"`
	ReactionsReceived   int           `json:"reactionsReceived"`
	ReactionsGiven      int           `json:"reactionsGiven"`
	ReactionsPerMessage float64       `json:"reactionsPerMessage"`
	TopReactedTo        *TopReactedTo `json:"topReactedTo,omitempty"`
}

// UserCount pairs a user with an activity count.
type UserCount struct {
	FromID      string `json:"fromId"`
	DisplayName string `json:"displayName"`
	Count       int    `json:"count"`
}

// RecentMessage is one truncated record in a period drill-down.
type RecentMessage struct {
	MessageID   int64      `json:"messageId"`
	FromID      string     `json:"fromId"`
	DisplayName string     `json:"displayName"`
	Date        *time.Time `json:"date,omitempty"`
	Text        string     `json:"text"`
	MediaType   string     `json:"mediaType,omitempty"`
}

// PeriodDetail is the drill-down for one [start, end) window.
type PeriodDetail struct {
	Count          int             `json:"count"`
	ByUser         []UserCount     `json:"byUser"`
	RecentMessages []RecentMessage `json:"recentMessages"`
}

// Engine runs aggregations against a Store.
type Engine struct {
	store  database.Store
	logger *slog.Logger
}

// NewEngine creates an aggregation engine.
func NewEngine(store database.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:  store,
		logger: logger.With("component", "stats"),
	}
}

// Overview computes the headline KPIs and dense series for the filter. Only
// ordinary messages with a valid, floor-passing date count; reactions count
// by their reaction timestamp under the same rules. The trailing-30-day
// activity window is anchored at now, independent of the date bounds.
func (e *Engine) Overview(ctx context.Context, f Filter, now time.Time) (*Overview, error) {
	messages, err := e.store.ListMessages(ctx, database.MessageFilter{ChatID: f.ChatID, FromID: f.ActorID})
	if err != nil {
		return nil, err
	}
	reactions, err := e.store.ListReactions(ctx, database.ReactionFilter{ChatID: f.ChatID, ReactorID: f.ActorID})
	if err != nil {
		return nil, err
	}

	windowStart := now.UTC().AddDate(0, 0, -activeWindowDays)
	authors := make(map[string]struct{})
	recentAuthors := make(map[string]struct{})
	var messageTimes []time.Time
	for i := range messages {
		msg := &messages[i]
		if msg.Type != "message" || !msg.FromID.Valid {
			continue
		}
		t, ok := eventTime(msg.Date)
		if !ok {
			continue
		}
		if t.After(windowStart) && !t.After(now.UTC()) {
			recentAuthors[msg.FromID.String] = struct{}{}
		}
		if !inRange(t, f.Start, f.End, true) {
			continue
		}
		authors[msg.FromID.String] = struct{}{}
		messageTimes = append(messageTimes, t)
	}

	var reactionTimes []time.Time
	for i := range reactions {
		t, ok := eventTime(reactions[i].ReactedAt)
		if !ok || !inRange(t, f.Start, f.End, true) {
			continue
		}
		reactionTimes = append(reactionTimes, t)
	}

	return &Overview{
		TotalMessages:     len(messageTimes),
		TotalReactions:    len(reactionTimes),
		ActiveUsers:       len(authors),
		ActiveLast30Days:  len(recentAuthors),
		MessagesOverTime:  period.Series(messageTimes, f.GroupBy),
		ReactionsOverTime: period.Series(reactionTimes, f.GroupBy),
	}, nil
}

// UsersSummary rolls up per-user activity across the whole history of the
// given chat (or all chats when nil), ordered by total activity descending.
func (e *Engine) UsersSummary(ctx context.Context, chatID *int64) ([]UserSummary, error) {
	messages, err := e.store.ListMessages(ctx, database.MessageFilter{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	reactions, err := e.store.ListReactions(ctx, database.ReactionFilter{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	pairs, err := e.store.ListReactionAuthors(ctx, database.ReactionFilter{ChatID: chatID})
	if err != nil {
		return nil, err
	}
	names, err := e.displayNames(ctx)
	if err != nil {
		return nil, err
	}

	rollup := make(map[string]*UserSummary)
	activeDays := make(map[string]map[time.Time]struct{})
	get := func(id string) *UserSummary {
		s, ok := rollup[id]
		if !ok {
			name := names[id]
			if name == "" {
				name = id
			}
			s = &UserSummary{FromID: id, DisplayName: name}
			rollup[id] = s
			activeDays[id] = make(map[time.Time]struct{})
		}
		return s
	}
	touch := func(s *UserSummary, date sql.NullTime) {
		t, ok := eventTime(date)
		if !ok {
			return
		}
		if s.FirstActivity == nil || t.Before(*s.FirstActivity) {
			first := t
			s.FirstActivity = &first
		}
		if s.LastActivity == nil || t.After(*s.LastActivity) {
			last := t
			s.LastActivity = &last
		}
		activeDays[s.FromID][period.BucketKey(t, period.Day)] = struct{}{}
	}

	for i := range messages {
		msg := &messages[i]
		switch {
		case msg.Type == "message" && msg.FromID.Valid:
			s := get(msg.FromID.String)
			s.Messages++
			countMedia(&s.Media, msg.MediaType)
			if msg.EditedAt.Valid {
				s.Edited++
			}
			if msg.ReplyToMessageID.Valid {
				s.Replies++
			}
			s.Chars += len([]rune(msg.Text.String))
			s.Words += WordCount(msg.Text.String)
			touch(s, msg.Date)
		case msg.Type != "message" && msg.ActorID.Valid:
			s := get(msg.ActorID.String)
			s.ServiceEvents++
			touch(s, msg.Date)
		}
	}

	for i := range reactions {
		get(reactions[i].ReactorFromID).ReactionsGiven++
	}

	targets := make(map[string]map[string]int)
	for i := range pairs {
		if !pairs[i].AuthorFromID.Valid {
			continue
		}
		author := pairs[i].AuthorFromID.String
		reactor := pairs[i].ReactorFromID
		get(author).ReactionsReceived++
		if targets[reactor] == nil {
			targets[reactor] = make(map[string]int)
		}
		targets[reactor][author]++
	}

	summaries := make([]UserSummary, 0, len(rollup))
	for id, s := range rollup {
		s.ActiveDays = len(activeDays[id])
		if denom := s.Messages + s.ServiceEvents; denom > 0 {
			s.ReactionsPerMessage = round2(float64(s.ReactionsReceived) / float64(denom))
		}
		if top := topTarget(targets[id]); top != nil {
			name := names[top.FromID]
			if name == "" {
				name = top.FromID
			}
			top.DisplayName = name
			s.TopReactedTo = top
		}
		summaries = append(summaries, *s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if ta, tb := a.Messages+a.ServiceEvents, b.Messages+b.ServiceEvents; ta != tb {
			return ta > tb
		}
		return a.FromID < b.FromID
	})
	return summaries, nil
}

// UserSummaryFor returns the rollup row for a single user across all chats,
// or an all-zero row when the user has no recorded activity.
func (e *Engine) UserSummaryFor(ctx context.Context, fromID string) (*UserSummary, error) {
	summaries, err := e.UsersSummary(ctx, nil)
	if err != nil {
		return nil, err
	}
	for i := range summaries {
		if summaries[i].FromID == fromID {
			return &summaries[i], nil
		}
	}
	return &UserSummary{FromID: fromID, DisplayName: fromID}, nil
}

// PeriodDetail drills into one [start, end) window: the exact ordinary
// message count, the top contributors, and the most recent records with
// truncated text. End is exclusive so adjacent periods never overlap.
func (e *Engine) PeriodDetail(ctx context.Context, f Filter) (*PeriodDetail, error) {
	if f.Start == nil || f.End == nil {
		return nil, ErrMissingBounds
	}
	messages, err := e.store.ListMessages(ctx, database.MessageFilter{ChatID: f.ChatID, FromID: f.ActorID})
	if err != nil {
		return nil, err
	}
	names, err := e.displayNames(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*database.Message
	perUser := make(map[string]int)
	for i := range messages {
		msg := &messages[i]
		if msg.Type != "message" || !msg.FromID.Valid {
			continue
		}
		t, ok := eventTime(msg.Date)
		if !ok || !inRange(t, f.Start, f.End, false) {
			continue
		}
		matched = append(matched, msg)
		perUser[msg.FromID.String]++
	}

	byUser := make([]UserCount, 0, len(perUser))
	for id, count := range perUser {
		name := names[id]
		if name == "" {
			name = id
		}
		byUser = append(byUser, UserCount{FromID: id, DisplayName: name, Count: count})
	}
	sort.Slice(byUser, func(i, j int) bool {
		if byUser[i].Count != byUser[j].Count {
			return byUser[i].Count > byUser[j].Count
		}
		return byUser[i].FromID < byUser[j].FromID
	})
	if len(byUser) > topUsersLimit {
		byUser = byUser[:topUsersLimit]
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Time.Equal(matched[j].Date.Time) {
			return matched[i].Date.Time.After(matched[j].Date.Time)
		}
		return matched[i].MessageID > matched[j].MessageID
	})
	limit := len(matched)
	if limit > recentMessagesLimit {
		limit = recentMessagesLimit
	}
	recent := make([]RecentMessage, 0, limit)
	for _, msg := range matched[:limit] {
		name := names[msg.FromID.String]
		if name == "" {
			name = msg.FromID.String
		}
		date := msg.Date.Time.UTC()
		recent = append(recent, RecentMessage{
			MessageID:   msg.MessageID,
			FromID:      msg.FromID.String,
			DisplayName: name,
			Date:        &date,
			Text:        truncateRunes(msg.Text.String, recentTextRunes),
			MediaType:   msg.MediaType.String,
		})
	}

	return &PeriodDetail{Count: len(matched), ByUser: byUser, RecentMessages: recent}, nil
}

// ReactionsGiven breaks a reactor's reactions down by the author receiving
// them, ordered by count descending.
func (e *Engine) ReactionsGiven(ctx context.Context, reactorID string) ([]UserCount, error) {
	pairs, err := e.store.ListReactionAuthors(ctx, database.ReactionFilter{ReactorID: &reactorID})
	if err != nil {
		return nil, err
	}
	names, err := e.displayNames(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for i := range pairs {
		if pairs[i].AuthorFromID.Valid {
			counts[pairs[i].AuthorFromID.String]++
		}
	}
	breakdown := make([]UserCount, 0, len(counts))
	for id, count := range counts {
		name := names[id]
		if name == "" {
			name = id
		}
		breakdown = append(breakdown, UserCount{FromID: id, DisplayName: name, Count: count})
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].Count != breakdown[j].Count {
			return breakdown[i].Count > breakdown[j].Count
		}
		return breakdown[i].FromID < breakdown[j].FromID
	})
	return breakdown, nil
}

// WordCount approximates the word count of text: the number of space runes in
// the trimmed text plus one. Text that trims to empty still counts as one
// word; the figure is approximate by contract, not a tokenizer.
func WordCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}
	runes := len([]rune(trimmed))
	sansSpaces := len([]rune(strings.ReplaceAll(trimmed, " ", "")))
	n := runes - sansSpaces + 1
	if n < 0 {
		n = 0
	}
	return n
}

func (e *Engine) displayNames(ctx context.Context) (map[string]string, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for i := range users {
		if users[i].FromID.Valid {
			names[users[i].FromID.String] = users[i].DisplayName
		}
	}
	return names, nil
}

// eventTime unwraps a nullable timestamp, rejecting nulls and sub-floor
// placeholder dates.
func eventTime(t sql.NullTime) (time.Time, bool) {
	if !t.Valid {
		return time.Time{}, false
	}
	u := t.Time.UTC()
	if u.Before(period.EpochFloor) {
		return time.Time{}, false
	}
	return u, true
}

func inRange(t time.Time, start, end *time.Time, endInclusive bool) bool {
	if start != nil && t.Before(start.UTC()) {
		return false
	}
	if end != nil {
		e := end.UTC()
		if endInclusive {
			if t.After(e) {
				return false
			}
		} else if !t.Before(e) {
			return false
		}
	}
	return true
}

func topTarget(counts map[string]int) *TopReactedTo {
	var top *TopReactedTo
	for id, count := range counts {
		if top == nil || count > top.Count || (count == top.Count && id < top.FromID) {
			top = &TopReactedTo{FromID: id, Count: count}
		}
	}
	return top
}

// countMedia buckets one media kind: photo, the video kinds, audio, and
// everything else with a marker as a file.
func countMedia(m *MediaCounts, kind sql.NullString) {
	if !kind.Valid || kind.String == "" {
		return
	}
	switch kind.String {
	case "photo":
		m.Photos++
	case "video_file", "video_message":
		m.Videos++
	case "audio_file":
		m.Audios++
	default:
		m.Files++
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
