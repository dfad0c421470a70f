package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chatlens/chatlens/internal/config"
	"github.com/chatlens/chatlens/internal/database"
	"github.com/chatlens/chatlens/internal/ingest"
	"github.com/chatlens/chatlens/internal/metrics"
	"github.com/chatlens/chatlens/internal/stats"
)

const sampleExport = `{
  "id": 777,
  "name": "Test Group",
  "type": "private_supergroup",
  "messages": [
    {"id": 1, "date": "2024-01-01T10:00:00", "from": "Alice", "from_id": "u1", "text": "Hello world",
     "reactions": [{"emoji": "x", "recent": [{"from": "Bob", "from_id": "u2", "date": "2024-01-01T11:00:00"}]}]},
    {"id": 2, "date": "2024-01-03T10:00:00", "from": "Bob", "from_id": "u2", "text": "hi"},
    {"id": 3, "date": "2024-01-05T10:00:00", "from": "Alice", "from_id": "u1", "text": "bye"}
  ]
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "chatlens.db"))
	if err != nil {
		t.Fatalf("creating test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := database.NewStore(db, log)
	cfg := &config.Config{
		Server: config.ServerConfig{Addr: ":0", MaxUploadBytes: 1 << 20},
	}
	registry := prometheus.NewRegistry()
	scheduler, err := NewScheduler(log, &config.SchedulerConfig{}, nil)
	if err != nil {
		t.Fatalf("creating scheduler: %v", err)
	}
	return New(log, cfg, store,
		ingest.NewCoordinator(store, log),
		stats.NewEngine(store, log),
		metrics.New(registry), nil, scheduler, registry)
}

func multipartUpload(t *testing.T, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "export.json")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ingest", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func doJSON(t *testing.T, srv *Server, req *http.Request, wantStatus int, out any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s = %d, want %d: %s", req.Method, req.URL.Path, rec.Code, wantStatus, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
}

func seedImport(t *testing.T, srv *Server) {
	t.Helper()
	doJSON(t, srv, multipartUpload(t, sampleExport), http.StatusOK, nil)
}

func TestIngestEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	var result ingest.Result
	doJSON(t, srv, multipartUpload(t, sampleExport), http.StatusOK, &result)
	if result.MessagesInserted != 3 || result.ReactionsInserted != 1 {
		t.Errorf("result = %+v, want 3 messages and 1 reaction inserted", result)
	}

	var chats []database.Chat
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/api/chats", nil), http.StatusOK, &chats)
	if len(chats) != 1 || chats[0].ID != 777 {
		t.Errorf("chats = %+v, want the imported chat", chats)
	}
}

func TestIngestRejectsBadUploads(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	doJSON(t, srv, multipartUpload(t, "{not json"), http.StatusBadRequest, nil)
	doJSON(t, srv, multipartUpload(t, `{"name":"no id or messages"}`), http.StatusBadRequest, nil)

	missing := httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader("plain"))
	missing.Header.Set("Content-Type", "text/plain")
	doJSON(t, srv, missing, http.StatusBadRequest, nil)
}

func TestOverviewEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	seedImport(t, srv)

	var overview stats.Overview
	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/stats/overview?chatId=777&groupBy=day", nil), http.StatusOK, &overview)
	if overview.TotalMessages != 3 || overview.TotalReactions != 1 {
		t.Errorf("overview = %+v, want 3 messages and 1 reaction", overview)
	}
	if len(overview.MessagesOverTime) != 5 {
		t.Errorf("series length = %d, want 5 (Jan 1 through Jan 5)", len(overview.MessagesOverTime))
	}

	// A date-only end bound covers its whole day.
	var bounded stats.Overview
	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/stats/overview?start=2024-01-03&end=2024-01-03", nil), http.StatusOK, &bounded)
	if bounded.TotalMessages != 1 {
		t.Errorf("bounded total = %d, want 1", bounded.TotalMessages)
	}

	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/stats/overview?start=notadate", nil), http.StatusBadRequest, nil)
}

func TestPeriodDetailEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	seedImport(t, srv)

	var detail stats.PeriodDetail
	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/stats/period-detail?start=2024-01-01&end=2024-01-05", nil), http.StatusOK, &detail)
	// End is exclusive: the Jan 5 record falls outside.
	if detail.Count != 2 {
		t.Errorf("count = %d, want 2", detail.Count)
	}

	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/stats/period-detail?start=2024-01-01", nil), http.StatusBadRequest, nil)
}

func TestUserEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	seedImport(t, srv)

	var contacts []database.Contact
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/api/users", nil), http.StatusOK, &contacts)
	if len(contacts) != 2 {
		t.Fatalf("contacts = %d, want 2", len(contacts))
	}

	var detail struct {
		User  database.User      `json:"user"`
		Stats *stats.UserSummary `json:"stats"`
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/api/users/u1", nil), http.StatusOK, &detail)
	if detail.User.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", detail.User.DisplayName)
	}
	if detail.Stats == nil || detail.Stats.Messages != 2 {
		t.Errorf("stats = %+v, want 2 messages", detail.Stats)
	}

	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/api/users/nobody", nil), http.StatusNotFound, nil)

	patch := httptest.NewRequest(http.MethodPatch, "/api/users/u1",
		strings.NewReader(`{"is_premium": true, "notes": "warm lead"}`))
	var updated database.User
	doJSON(t, srv, patch, http.StatusOK, &updated)
	if !updated.IsPremium || updated.Notes.String != "warm lead" {
		t.Errorf("updated user = %+v, want premium with notes", updated)
	}

	empty := httptest.NewRequest(http.MethodPatch, "/api/users/u1", strings.NewReader(`{}`))
	doJSON(t, srv, empty, http.StatusBadRequest, nil)
}

func TestCallEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	seedImport(t, srv)

	var call database.ContactCall
	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/api/users/u1/calls",
		strings.NewReader(`{"call_number": 1, "notes": "intro call"}`)), http.StatusOK, &call)
	if call.CallNumber != 1 || call.Notes.String != "intro call" {
		t.Errorf("call = %+v, want call 1 with notes", call)
	}

	// Same call number overwrites instead of appending.
	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/api/users/u1/calls",
		strings.NewReader(`{"call_number": 1, "notes": "follow-up"}`)), http.StatusOK, &call)
	if call.Notes.String != "follow-up" {
		t.Errorf("call notes = %q, want follow-up", call.Notes.String)
	}

	doJSON(t, srv, httptest.NewRequest(http.MethodPost, "/api/users/u1/calls",
		strings.NewReader(`{"call_number": 11}`)), http.StatusBadRequest, nil)

	// The by-id surface reaches the same user.
	var detail struct {
		User database.User `json:"user"`
	}
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/api/users/u1", nil), http.StatusOK, &detail)
	doJSON(t, srv, httptest.NewRequest(http.MethodGet,
		"/api/users/by-id/"+itoa(detail.User.ID), nil), http.StatusOK, nil)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	doJSON(t, srv, httptest.NewRequest(http.MethodGet, "/healthz", nil), http.StatusOK, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	seedImport(t, srv)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chatlens_imports_total 1") {
		t.Errorf("metrics output missing import counter:\n%s", rec.Body.String())
	}
}
