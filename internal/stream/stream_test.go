package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sly67/streambridge/internal/metadata"
	"github.com/sly67/streambridge/internal/metadata/document"
)

// stubSource serves a fixed byte slice and allows error injection.
type stubSource struct {
	data     []byte
	probeErr error
	fetchErr error
}

func (s *stubSource) ProbeSize(_ context.Context, _ json.RawMessage) (int64, error) {
	if s.probeErr != nil {
		return 0, s.probeErr
	}
	return int64(len(s.data)), nil
}

func (s *stubSource) FetchRange(_ context.Context, _ json.RawMessage, offset, length int64) (io.ReadCloser, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	end := offset + length
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return io.NopCloser(bytes.NewReader(s.data[offset:end])), nil
}

func (s *stubSource) Type() string { return "stub" }
func (s *stubSource) Close() error { return nil }

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newFixture(t *testing.T, src *stubSource) (*Streamer, metadata.Store) {
	t.Helper()
	store, err := document.New(filepath.Join(t.TempDir(), "db.json"))
	if err != nil {
		t.Fatalf("document.New: %v", err)
	}
	return New(store, src, 5*time.Second, time.Second), store
}

func addRecord(t *testing.T, store metadata.Store, rec *metadata.FileRecord) string {
	t.Helper()
	id, err := store.AddFile(context.Background(), rec)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	return id
}

func serve(s *Streamer, method, id, rangeHeader string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, "/dl/"+id, nil)
	if rangeHeader != "" {
		r.Header.Set("Range", rangeHeader)
	}
	w := httptest.NewRecorder()
	s.ServeFile(w, r, id)
	return w
}

func TestServeFileFullContent(t *testing.T) {
	data := testData(1000)
	s, store := newFixture(t, &stubSource{data: data})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID:  1,
		UniqueID: "u1",
		Name:     "report.pdf",
		MimeType: "application/pdf",
		Size:     1000,
		Handles:  json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), data) {
		t.Error("body does not match source data")
	}
	if got := w.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want 1000", got)
	}
	if got := w.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q, want bytes", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="report.pdf"` {
		t.Errorf("Content-Disposition = %q", got)
	}
	if got := w.Header().Get("Content-Range"); got != "" {
		t.Errorf("unexpected Content-Range %q on full response", got)
	}
}

func TestServeFileOpenEndedRange(t *testing.T) {
	data := testData(1000)
	s, store := newFixture(t, &stubSource{data: data})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID:  1,
		UniqueID: "u1",
		Name:     "movie.mp4",
		MimeType: "video/mp4",
		Size:     1000,
		Handles:  json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "bytes=500-")
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 500-999/1000" {
		t.Errorf("Content-Range = %q, want bytes 500-999/1000", got)
	}
	if got := w.Header().Get("Content-Length"); got != "500" {
		t.Errorf("Content-Length = %q, want 500", got)
	}
	if !bytes.Equal(w.Body.Bytes(), data[500:]) {
		t.Error("body does not match requested interval")
	}
	if got := w.Header().Get("Content-Disposition"); got != `inline; filename="movie.mp4"` {
		t.Errorf("Content-Disposition = %q, want inline for video", got)
	}
}

func TestServeFileUnsatisfiableRange(t *testing.T) {
	s, store := newFixture(t, &stubSource{data: testData(1000)})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 1, UniqueID: "u1", Size: 1000, Handles: json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "bytes=900-1200")
	if w.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes */1000" {
		t.Errorf("Content-Range = %q, want bytes */1000", got)
	}
}

func TestServeFileNotFound(t *testing.T) {
	s, _ := newFixture(t, &stubSource{})

	w := serve(s, http.MethodGet, "no-such-id", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServeFileBannedOwner(t *testing.T) {
	s, store := newFixture(t, &stubSource{data: testData(10)})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 7, UniqueID: "u7", Size: 10, Handles: json.RawMessage(`{"key":"k"}`),
	})
	if err := store.BanUser(context.Background(), 7); err != nil {
		t.Fatalf("BanUser: %v", err)
	}

	w := serve(s, http.MethodGet, id, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestServeFileHead(t *testing.T) {
	s, store := newFixture(t, &stubSource{data: testData(1000), fetchErr: errors.New("must not fetch")})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 1, UniqueID: "u1", Size: 1000, Handles: json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodHead, id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD response has %d body bytes", w.Body.Len())
	}
	if got := w.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want 1000", got)
	}
}

func TestServeFileProbeCachesSize(t *testing.T) {
	data := testData(2048)
	s, store := newFixture(t, &stubSource{data: data})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 1, UniqueID: "u1", Size: 0, Handles: json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != strconv.Itoa(len(data)) {
		t.Errorf("Content-Length = %q, want %d", got, len(data))
	}

	// The probed size is cached back onto the record.
	rec, err := store.GetFile(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if rec.Size != int64(len(data)) {
		t.Errorf("cached size = %d, want %d", rec.Size, len(data))
	}
}

func TestServeFileProbeFailure(t *testing.T) {
	s, store := newFixture(t, &stubSource{probeErr: errors.New("handle expired")})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 1, UniqueID: "u1", Size: 0, Handles: json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestServeFileFetchFailure(t *testing.T) {
	s, store := newFixture(t, &stubSource{data: testData(10), fetchErr: errors.New("backend error")})
	id := addRecord(t, store, &metadata.FileRecord{
		OwnerID: 1, UniqueID: "u1", Size: 10, Handles: json.RawMessage(`{"key":"k"}`),
	})

	w := serve(s, http.MethodGet, id, "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
