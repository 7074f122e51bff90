// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/sly67/streambridge/internal/auth"
	"github.com/sly67/streambridge/internal/logging"
	"github.com/sly67/streambridge/internal/metadata"
	"github.com/sly67/streambridge/internal/metrics"
	"github.com/sly67/streambridge/internal/source"
	"github.com/sly67/streambridge/internal/stream"
	"github.com/sly67/streambridge/webapp"
)

// Server is the HTTP server.
type Server struct {
	store         metadata.Store
	streamer      *stream.Streamer
	auth          *auth.Auth
	source        source.Source
	templates     *template.Template
	publicBaseURL string
	storeBackend  string
}

// NewServer creates a new server.
func NewServer(
	store metadata.Store,
	streamer *stream.Streamer,
	authHandler *auth.Auth,
	src source.Source,
	publicBaseURL string,
	storeBackend string,
) (*Server, error) {
	tmpl, err := webapp.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse watch templates: %w", err)
	}
	return &Server{
		store:         store,
		streamer:      streamer,
		auth:          authHandler,
		source:        src,
		templates:     tmpl,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		storeBackend:  storeBackend,
	}, nil
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)

	// Streaming endpoints (public by design, the id is the capability)
	mux.HandleFunc("GET /dl/{id}", s.handleDownload)
	mux.HandleFunc("HEAD /dl/{id}", s.handleDownload)
	mux.HandleFunc("GET /watch/{id}", s.handleWatch)

	// Protected ingest and admin endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/v1/files", s.handleCreateFile)
	protected.HandleFunc("GET /api/v1/files/{id}", s.handleGetFile)
	protected.HandleFunc("PUT /api/v1/files/{id}/handles", s.handleUpdateHandles)
	protected.HandleFunc("DELETE /api/v1/files/{id}", s.handleDeleteFile)
	protected.HandleFunc("GET /api/v1/users/{id}", s.handleGetUser)
	protected.HandleFunc("POST /api/v1/users/{id}/ban", s.handleBanUser)
	protected.HandleFunc("DELETE /api/v1/users/{id}/ban", s.handleUnbanUser)
	protected.HandleFunc("GET /api/v1/stats", s.handleStats)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Streaming ──────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.streamer.ServeFile(w, r, r.PathValue("id"))
}

type watchData struct {
	Name      string
	MimeType  string
	SizeHuman string
	StreamURL string
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.store.GetFile(r.Context(), id)
	if errors.Is(err, metadata.ErrNotFound) {
		http.Error(w, "404: file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.Error("watch page lookup failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "500: internal server error", http.StatusInternalServerError)
		return
	}

	banned, err := s.store.IsBanned(r.Context(), rec.OwnerID)
	if err != nil {
		logging.Error("watch page ban lookup failed", zap.Int64("owner", rec.OwnerID), zap.Error(err))
		http.Error(w, "500: internal server error", http.StatusInternalServerError)
		return
	}
	if banned {
		http.Error(w, "403: this file is no longer available", http.StatusForbidden)
		return
	}

	name := rec.Name
	if name == "" {
		name = "file"
	}
	sizeHuman := "unknown size"
	if rec.Size > 0 {
		sizeHuman = humanize.Bytes(uint64(rec.Size))
	}
	data := watchData{
		Name:      name,
		MimeType:  rec.MimeType,
		SizeHuman: sizeHuman,
		StreamURL: s.StreamURL(rec.ID),
	}

	page := "download.html"
	if strings.HasPrefix(rec.MimeType, "video/") || strings.HasPrefix(rec.MimeType, "audio/") {
		page = "play.html"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, page, data); err != nil {
		logging.Error("watch template render failed", zap.String("id", id), zap.Error(err))
	}
}

// StreamURL returns the public download URL for a file id.
func (s *Server) StreamURL(id string) string {
	return s.publicBaseURL + "/dl/" + id
}

// ─── Files ──────────────────────────────────────────────────────────────────

type createFileRequest struct {
	OwnerID  int64           `json:"owner_id"`
	UniqueID string          `json:"unique_id"`
	Name     string          `json:"name"`
	MimeType string          `json:"mime_type"`
	Size     int64           `json:"size"`
	Handles  json.RawMessage `json:"handles"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec := &metadata.FileRecord{
		OwnerID:  req.OwnerID,
		UniqueID: req.UniqueID,
		Name:     req.Name,
		MimeType: req.MimeType,
		Size:     req.Size,
		Handles:  req.Handles,
	}

	id, err := s.store.AddFile(r.Context(), rec)
	if errors.Is(err, metadata.ErrInvalidInput) {
		s.sendError(w, http.StatusBadRequest, "owner_id and unique_id are required")
		return
	}
	if err != nil {
		logging.Error("file ingest failed", zap.Int64("owner", req.OwnerID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	logging.Info("file ingested",
		zap.String("id", id),
		zap.Int64("owner", req.OwnerID),
		zap.String("name", req.Name))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"stream": s.StreamURL(id),
		"watch":  s.publicBaseURL + "/watch/" + id,
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetFile(r.Context(), r.PathValue("id"))
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logging.Error("file lookup failed", zap.String("id", r.PathValue("id")), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleUpdateHandles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handles json.RawMessage `json:"handles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Handles) == 0 {
		s.sendError(w, http.StatusBadRequest, "handles required")
		return
	}

	id := r.PathValue("id")
	err := s.store.UpdateFileHandles(r.Context(), id, req.Handles)
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logging.Error("handle update failed", zap.String("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	logging.Info("file handles refreshed", zap.String("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.store.GetFile(r.Context(), id)
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		logging.Error("file lookup failed", zap.String("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	if err := s.store.DeleteFile(r.Context(), id); err != nil {
		logging.Error("file delete failed", zap.String("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}
	if err := s.store.AdjustLinkCount(r.Context(), rec.OwnerID, -1); err != nil {
		logging.Warn("link count adjustment failed",
			zap.Int64("owner", rec.OwnerID), zap.Error(err))
	}

	logging.Info("file deleted", zap.String("id", id), zap.Int64("owner", rec.OwnerID))
	w.WriteHeader(http.StatusNoContent)
}

// ─── Users ──────────────────────────────────────────────────────────────────

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if errors.Is(err, metadata.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		logging.Error("user lookup failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	banned, err := s.store.IsBanned(r.Context(), id)
	if err != nil {
		logging.Error("ban lookup failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":         user.ID,
		"joined_at":  user.JoinedAt,
		"link_count": user.LinkCount,
		"banned":     banned,
	})
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.store.BanUser(r.Context(), id); err != nil {
		logging.Error("ban failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}
	logging.Info("user banned", zap.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	if err := s.store.UnbanUser(r.Context(), id); err != nil {
		logging.Error("unban failed", zap.Int64("id", id), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}
	logging.Info("user unbanned", zap.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.CountUsers(r.Context())
	if err != nil {
		logging.Error("stats query failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "database error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"users":  users,
		"store":  s.storeBackend,
		"source": s.source.Type(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
