package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/export"
	"github.com/chatlens/chatlens/internal/ingest"
	"github.com/chatlens/chatlens/internal/period"
	"github.com/chatlens/chatlens/internal/stats"
)

const (
	maxCallNumber = 10
	dateLayout    = "2006-01-02"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.Server.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing upload field 'file'")
		return
	}
	defer file.Close()

	var doc export.Document
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "malformed export JSON")
		return
	}

	result, err := s.coordinator.Ingest(r.Context(), &doc, header.Filename)
	switch {
	case errors.Is(err, ingest.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.metrics.ImportFailures.Inc()
		s.logger.ErrorContext(r.Context(), "Import failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}

	s.metrics.ObserveImport(result.MessagesInserted, result.MessagesSkipped,
		result.ReactionsInserted, result.ReactionsSkipped,
		result.MessageErrors+result.ReactionErrors)
	s.notifier.ImportCompleted(r.Context(), header.Filename, result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ListChats(r.Context())
	if err != nil {
		s.internalError(w, r, "Failed to list chats", err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	filter, err := s.statsFilter(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	overview, err := s.engine.Overview(r.Context(), filter, time.Now().UTC())
	if err != nil {
		s.internalError(w, r, "Failed to compute overview", err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleUsersSummary(w http.ResponseWriter, r *http.Request) {
	chatID, err := queryInt64(r, "chatId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summaries, err := s.engine.UsersSummary(r.Context(), chatID)
	if err != nil {
		s.internalError(w, r, "Failed to compute users summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handlePeriodDetail(w http.ResponseWriter, r *http.Request) {
	filter, err := s.statsFilter(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	detail, err := s.engine.PeriodDetail(r.Context(), filter)
	switch {
	case errors.Is(err, stats.ErrMissingBounds):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.internalError(w, r, "Failed to compute period detail", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	var filter database.ContactFilter
	if v := r.URL.Query().Get("is_premium"); v != "" {
		premium, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid is_premium")
			return
		}
		filter.IsPremium = &premium
	}
	if v := r.URL.Query().Get("assigned_to"); v != "" {
		filter.AssignedTo = &v
	}
	chatID, err := queryInt64(r, "chatId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.ChatID = chatID

	contacts, err := s.store.ListContacts(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "Failed to list contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := s.userByFromID(w, r)
	if user == nil {
		return
	}
	s.writeUserDetail(w, r, user)
}

func (s *Server) handleGetUserByID(w http.ResponseWriter, r *http.Request) {
	user := s.userByID(w, r)
	if user == nil {
		return
	}
	s.writeUserDetail(w, r, user)
}

func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	user := s.userByFromID(w, r)
	if user == nil {
		return
	}
	s.patchUser(w, r, user)
}

func (s *Server) handlePatchUserByID(w http.ResponseWriter, r *http.Request) {
	user := s.userByID(w, r)
	if user == nil {
		return
	}
	s.patchUser(w, r, user)
}

func (s *Server) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	fromID := mux.Vars(r)["fromID"]
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := s.store.ListUserMessages(r.Context(), fromID, limit, offset)
	if err != nil {
		s.internalError(w, r, "Failed to list user messages", err)
		return
	}
	total, err := s.store.CountUserMessages(r.Context(), fromID)
	if err != nil {
		s.internalError(w, r, "Failed to count user messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"messages": messages,
	})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	fromID := mux.Vars(r)["fromID"]
	filter, err := s.statsFilter(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.ActorID = &fromID

	overview, err := s.engine.Overview(r.Context(), filter, time.Now().UTC())
	if err != nil {
		s.internalError(w, r, "Failed to compute user stats", err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleUserReactionsGiven(w http.ResponseWriter, r *http.Request) {
	fromID := mux.Vars(r)["fromID"]
	breakdown, err := s.engine.ReactionsGiven(r.Context(), fromID)
	if err != nil {
		s.internalError(w, r, "Failed to compute reactions-given breakdown", err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (s *Server) handlePostCall(w http.ResponseWriter, r *http.Request) {
	user := s.userByFromID(w, r)
	if user == nil {
		return
	}
	s.postCall(w, r, user)
}

func (s *Server) handlePostCallByID(w http.ResponseWriter, r *http.Request) {
	user := s.userByID(w, r)
	if user == nil {
		return
	}
	s.postCall(w, r, user)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userByFromID resolves the {fromID} path variable, writing a 404 and
// returning nil when the user is unknown.
func (s *Server) userByFromID(w http.ResponseWriter, r *http.Request) *database.User {
	fromID := mux.Vars(r)["fromID"]
	user, err := s.store.GetUserByFromID(r.Context(), fromID)
	if err != nil {
		s.internalError(w, r, "Failed to load user", err)
		return nil
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil
	}
	return user
}

func (s *Server) userByID(w http.ResponseWriter, r *http.Request) *database.User {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return nil
	}
	user, err := s.store.GetUserByID(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "Failed to load user", err)
		return nil
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return nil
	}
	return user
}

func (s *Server) writeUserDetail(w http.ResponseWriter, r *http.Request, user *database.User) {
	var summary *stats.UserSummary
	if user.FromID.Valid {
		var err error
		summary, err = s.engine.UserSummaryFor(r.Context(), user.FromID.String)
		if err != nil {
			s.internalError(w, r, "Failed to compute user stats", err)
			return
		}
	}
	calls, err := s.store.ListUserCalls(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, r, "Failed to list user calls", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"stats": summary,
		"calls": calls,
	})
}

// optionalString distinguishes an absent JSON field from an explicit null:
// absent leaves the stored value alone, null clears it.
type optionalString struct {
	set   bool
	value sql.NullString
}

func (o *optionalString) UnmarshalJSON(b []byte) error {
	o.set = true
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.value = sql.NullString{String: s, Valid: true}
	return nil
}

func (s *Server) patchUser(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req struct {
		IsPremium  *bool          `json:"is_premium"`
		AssignedTo optionalString `json:"assigned_to"`
		Notes      optionalString `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch body")
		return
	}

	patch := database.UserCRMPatch{IsPremium: req.IsPremium}
	if req.AssignedTo.set {
		patch.AssignedTo = &req.AssignedTo.value
	}
	if req.Notes.set {
		patch.Notes = &req.Notes.value
	}

	updated, err := s.store.UpdateUserCRM(r.Context(), user.ID, patch)
	switch {
	case errors.Is(err, database.ErrNoFields):
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	case err != nil:
		s.internalError(w, r, "Failed to update user", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) postCall(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req struct {
		CallNumber     int            `json:"call_number"`
		CalledAt       *time.Time     `json:"called_at"`
		Notes          optionalString `json:"notes"`
		Objections     optionalString `json:"objections"`
		PlansDiscussed optionalString `json:"plans_discussed"`
		CreatedBy      optionalString `json:"created_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed call body")
		return
	}
	if req.CallNumber < 1 || req.CallNumber > maxCallNumber {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("call_number must be between 1 and %d", maxCallNumber))
		return
	}

	call := &database.ContactCall{
		UserID:         user.ID,
		CallNumber:     req.CallNumber,
		CalledAt:       time.Now().UTC(),
		Notes:          req.Notes.value,
		Objections:     req.Objections.value,
		PlansDiscussed: req.PlansDiscussed.value,
		CreatedBy:      req.CreatedBy.value,
	}
	if req.CalledAt != nil {
		call.CalledAt = req.CalledAt.UTC()
	}

	stored, err := s.store.UpsertCall(r.Context(), call)
	if err != nil {
		s.internalError(w, r, "Failed to record call", err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// statsFilter builds an aggregation filter from the query string. When the
// end bound is inclusive, a date-only end is widened to cover its whole day.
func (s *Server) statsFilter(r *http.Request, endInclusive bool) (stats.Filter, error) {
	var filter stats.Filter

	chatID, err := queryInt64(r, "chatId")
	if err != nil {
		return filter, err
	}
	filter.ChatID = chatID

	if v := r.URL.Query().Get("fromId"); v != "" {
		filter.ActorID = &v
	}
	filter.GroupBy = period.Parse(r.URL.Query().Get("groupBy"))

	start, _, err := queryTime(r, "start")
	if err != nil {
		return filter, err
	}
	filter.Start = start

	end, dateOnly, err := queryTime(r, "end")
	if err != nil {
		return filter, err
	}
	if end != nil && dateOnly && endInclusive {
		widened := end.AddDate(0, 0, 1).Add(-time.Nanosecond)
		end = &widened
	}
	filter.End = end

	return filter, nil
}

// queryTime parses a query parameter as either a bare date or RFC 3339.
func queryTime(r *http.Request, key string) (*time.Time, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, false, nil
	}
	if t, err := time.Parse(dateLayout, v); err == nil {
		u := t.UTC()
		return &u, true, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		u := t.UTC()
		return &u, false, nil
	}
	return nil, false, fmt.Errorf("invalid %s: want YYYY-MM-DD or RFC 3339", key)
}

func queryInt64(r *http.Request, key string) (*int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: want integer", key)
	}
	return &n, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: want integer", key)
	}
	return n, nil
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.ErrorContext(r.Context(), msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
