package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sly67/streambridge/internal/auth"
	"github.com/sly67/streambridge/internal/metadata/document"
	"github.com/sly67/streambridge/internal/source/local"
	"github.com/sly67/streambridge/internal/stream"
)

type fixture struct {
	handler   http.Handler
	token     string
	sourceDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := document.New(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}

	sourceDir := t.TempDir()
	src, err := local.New(sourceDir)
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}

	authHandler, err := auth.New("test-secret", "admin", "hunter2", time.Hour)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	streamer := stream.New(store, src, 5*time.Second, time.Second)
	srv, err := NewServer(store, streamer, authHandler, src, "http://example.com/", "document")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	token, _, err := authHandler.IssueToken("admin")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	return &fixture{handler: srv.Handler(), token: token, sourceDir: sourceDir}
}

func (f *fixture) do(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if authed {
		r.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) writeObject(t *testing.T, key string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.sourceDir, key), data, 0644); err != nil {
		t.Fatalf("write object: %v", err)
	}
}

func (f *fixture) createFile(t *testing.T, ownerID int64, uniqueID, name, mimeType string, size int64, key string) string {
	t.Helper()
	body := fmt.Sprintf(
		`{"owner_id":%d,"unique_id":%q,"name":%q,"mime_type":%q,"size":%d,"handles":{"key":%q}}`,
		ownerID, uniqueID, name, mimeType, size, key)
	w := f.do(t, http.MethodPost, "/api/v1/files", body, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("create file: status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.ID
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	f := newFixture(t)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/files"},
		{http.MethodGet, "/api/v1/files/abc"},
		{http.MethodDelete, "/api/v1/files/abc"},
		{http.MethodGet, "/api/v1/stats"},
		{http.MethodPost, "/api/v1/users/1/ban"},
	}
	for _, p := range paths {
		w := f.do(t, p.method, p.path, "", false)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

func TestFileLifecycle(t *testing.T) {
	f := newFixture(t)
	data := []byte(strings.Repeat("x", 1000))
	f.writeObject(t, "a.bin", data)

	id := f.createFile(t, 42, "uniq-1", "video.mp4", "video/mp4", 1000, "a.bin")

	// Re-ingesting the same (owner, unique id) returns the same id.
	if again := f.createFile(t, 42, "uniq-1", "video.mp4", "video/mp4", 1000, "a.bin"); again != id {
		t.Errorf("duplicate ingest returned %q, want %q", again, id)
	}

	// Record is readable through the API.
	w := f.do(t, http.MethodGet, "/api/v1/files/"+id, "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("get file: status = %d", w.Code)
	}

	// Range download works end to end.
	r := httptest.NewRequest(http.MethodGet, "/dl/"+id, nil)
	r.Header.Set("Range", "bytes=500-")
	rw := httptest.NewRecorder()
	f.handler.ServeHTTP(rw, r)
	if rw.Code != http.StatusPartialContent {
		t.Fatalf("download: status = %d, want 206", rw.Code)
	}
	if got := rw.Header().Get("Content-Range"); got != "bytes 500-999/1000" {
		t.Errorf("Content-Range = %q", got)
	}

	// Owner accounting reflects the single link.
	w = f.do(t, http.MethodGet, "/api/v1/users/42", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("get user: status = %d", w.Code)
	}
	var user struct {
		LinkCount int64 `json:"link_count"`
		Banned    bool  `json:"banned"`
	}
	if err := json.NewDecoder(w.Body).Decode(&user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.LinkCount != 1 || user.Banned {
		t.Errorf("user = %+v, want link_count 1 and not banned", user)
	}

	// Handles can be refreshed.
	w = f.do(t, http.MethodPut, "/api/v1/files/"+id+"/handles", `{"handles":{"key":"a.bin"}}`, true)
	if w.Code != http.StatusNoContent {
		t.Errorf("update handles: status = %d, want 204", w.Code)
	}

	// Delete removes the record and decrements the owner's link count.
	w = f.do(t, http.MethodDelete, "/api/v1/files/"+id, "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/files/"+id, "", true)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/users/42", "", true)
	user.LinkCount = -1
	if err := json.NewDecoder(w.Body).Decode(&user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.LinkCount != 0 {
		t.Errorf("link_count after delete = %d, want 0", user.LinkCount)
	}
}

func TestCreateFileValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/files", `{"unique_id":"u1"}`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing owner: status = %d, want 400", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/v1/files", `{`, true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: status = %d, want 400", w.Code)
	}
}

func TestBanFlow(t *testing.T) {
	f := newFixture(t)
	f.writeObject(t, "b.bin", []byte("hello"))
	id := f.createFile(t, 7, "uniq-7", "doc.pdf", "application/pdf", 5, "b.bin")

	w := f.do(t, http.MethodPost, "/api/v1/users/7/ban", "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("ban: status = %d, want 204", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/dl/"+id, "", false); w.Code != http.StatusForbidden {
		t.Errorf("download while banned: status = %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/watch/"+id, "", false); w.Code != http.StatusForbidden {
		t.Errorf("watch while banned: status = %d, want 403", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/users/7/ban", "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unban: status = %d, want 204", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/dl/"+id, "", false); w.Code != http.StatusOK {
		t.Errorf("download after unban: status = %d, want 200", w.Code)
	}
}

func TestWatchPage(t *testing.T) {
	f := newFixture(t)
	f.writeObject(t, "v.mp4", []byte("not a real video"))
	videoID := f.createFile(t, 1, "v1", "clip.mp4", "video/mp4", 16, "v.mp4")
	docID := f.createFile(t, 1, "d1", "paper.pdf", "application/pdf", 16, "v.mp4")

	w := f.do(t, http.MethodGet, "/watch/"+videoID, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("watch video: status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<video") {
		t.Error("video watch page has no player")
	}
	if !strings.Contains(body, "http://example.com/dl/"+videoID) {
		t.Error("video watch page is missing the public stream URL")
	}

	w = f.do(t, http.MethodGet, "/watch/"+docID, "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("watch doc: status = %d", w.Code)
	}
	body = w.Body.String()
	if strings.Contains(body, "<video") {
		t.Error("document watch page unexpectedly has a player")
	}
	if !strings.Contains(body, "Download") {
		t.Error("document watch page has no download link")
	}

	if w := f.do(t, http.MethodGet, "/watch/nope", "", false); w.Code != http.StatusNotFound {
		t.Errorf("watch unknown id: status = %d, want 404", w.Code)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.writeObject(t, "c.bin", []byte("x"))
	f.createFile(t, 1, "s1", "a", "text/plain", 1, "c.bin")
	f.createFile(t, 2, "s2", "b", "text/plain", 1, "c.bin")

	w := f.do(t, http.MethodGet, "/api/v1/stats", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", w.Code)
	}
	var stats struct {
		Users  int64  `json:"users"`
		Store  string `json:"store"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Users != 2 {
		t.Errorf("users = %d, want 2", stats.Users)
	}
	if stats.Store != "document" || stats.Source != "local" {
		t.Errorf("backends = %q/%q, want document/local", stats.Store, stats.Source)
	}
}
