// Package stream implements the range-aware streaming responder: it resolves
// a file record, validates the requested byte range and relays bytes from the
// chunk source to the HTTP client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sly67/streambridge/internal/logging"
	"github.com/sly67/streambridge/internal/metadata"
	"github.com/sly67/streambridge/internal/metrics"
	"github.com/sly67/streambridge/internal/source"
)

// Streamer orchestrates GET/HEAD /dl/{id} requests.
type Streamer struct {
	store        metadata.Store
	source       source.Source
	fetchTimeout time.Duration
	probeTimeout time.Duration
}

// New creates a Streamer.
func New(store metadata.Store, src source.Source, fetchTimeout, probeTimeout time.Duration) *Streamer {
	return &Streamer{
		store:        store,
		source:       src,
		fetchTimeout: fetchTimeout,
		probeTimeout: probeTimeout,
	}
}

// ServeFile handles one download request for the given file id.
func (s *Streamer) ServeFile(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	rec, err := s.store.GetFile(ctx, id)
	if errors.Is(err, metadata.ErrNotFound) {
		metrics.RecordStream("not_found", 0)
		http.Error(w, "404: file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		metrics.RecordStream("store_error", 0)
		logging.Error("file lookup failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "500: internal server error", http.StatusInternalServerError)
		return
	}

	banned, err := s.store.IsBanned(ctx, rec.OwnerID)
	if err != nil {
		metrics.RecordStream("store_error", 0)
		logging.Error("ban lookup failed", zap.Int64("owner", rec.OwnerID), zap.Error(err))
		http.Error(w, "500: internal server error", http.StatusInternalServerError)
		return
	}
	if banned {
		metrics.RecordStream("forbidden", 0)
		http.Error(w, "403: this file is no longer available", http.StatusForbidden)
		return
	}

	size := rec.Size
	if size <= 0 {
		size, err = s.probeSize(ctx, id, rec)
		if err != nil {
			metrics.RecordStream("probe_error", 0)
			logging.Error("size probe failed", zap.String("id", id), zap.Error(err))
			http.Error(w, "500: internal server error", http.StatusInternalServerError)
			return
		}
	}

	rangeHeader := r.Header.Get("Range")
	br, partial, err := ResolveRange(rangeHeader, size)
	var unsat *UnsatisfiableRangeError
	if errors.As(err, &unsat) {
		metrics.RecordStream("bad_range", 0)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", unsat.Size))
		http.Error(w, "416: range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		s.writeHeaders(w, rec, br, size, partial)
		w.WriteHeader(status)
		metrics.RecordStream("ok", 0)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	reader, err := s.source.FetchRange(fetchCtx, rec.Handles, br.Start, br.Length)
	if err != nil {
		metrics.RecordStream("upstream_error", 0)
		logging.Error("chunk fetch failed",
			zap.String("id", id),
			zap.Int64("start", br.Start),
			zap.Int64("length", br.Length),
			zap.Error(err))
		http.Error(w, "500: internal server error", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	s.writeHeaders(w, rec, br, size, partial)
	w.WriteHeader(status)

	n, err := io.Copy(w, reader)
	if err != nil {
		if isClientDisconnect(ctx, err) {
			// The client is simply gone; not an error.
			metrics.RecordStream("client_gone", n)
			logging.Debug("client disconnected mid-stream",
				zap.String("id", id), zap.Int64("sent", n))
			return
		}
		metrics.RecordStream("upstream_error", n)
		logging.Error("stream truncated",
			zap.String("id", id),
			zap.Int64("sent", n),
			zap.Int64("expected", br.Length),
			zap.Error(err))
		return
	}
	metrics.RecordStream("ok", n)
}

// probeSize asks the chunk source for the total size and caches it back onto
// the record. The cache write is best effort.
func (s *Streamer) probeSize(ctx context.Context, id string, rec *metadata.FileRecord) (int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	size, err := s.source.ProbeSize(probeCtx, rec.Handles)
	metrics.RecordProbe(err == nil)
	if err != nil {
		return 0, err
	}

	if err := s.store.UpdateFileSize(ctx, id, size); err != nil {
		logging.Warn("failed to cache probed size",
			zap.String("id", id), zap.Int64("size", size), zap.Error(err))
	}
	return size, nil
}

func (s *Streamer) writeHeaders(w http.ResponseWriter, rec *metadata.FileRecord, br ByteRange, size int64, partial bool) {
	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition(mimeType), fileName(rec)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size))
	}
}

// disposition picks inline playback for media types and attachment otherwise.
func disposition(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "video/"),
		strings.HasPrefix(mimeType, "audio/"),
		strings.HasPrefix(mimeType, "image/"):
		return "inline"
	default:
		return "attachment"
	}
}

func fileName(rec *metadata.FileRecord) string {
	if rec.Name == "" {
		return "file"
	}
	return strings.ReplaceAll(rec.Name, `"`, "")
}

// isClientDisconnect reports whether a copy error was caused by the client
// going away rather than by the chunk source.
func isClientDisconnect(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "client disconnected")
}
