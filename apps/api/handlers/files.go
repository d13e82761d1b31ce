package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"konnect/apps/api/db"
	"konnect/apps/api/sftp"
	"konnect/libs/go/logging"
)

// FileHandler serves sftp sessions keyed by saved connection id.
type FileHandler struct {
	store ConnectionStore
	files FileCommands
}

func NewFileHandler(store ConnectionStore, files FileCommands) *FileHandler {
	return &FileHandler{store: store, files: files}
}

// Connect opens an sftp session for the saved profile. It may block on an
// MFA prompt delivered over the WebSocket.
func (h *FileHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	log := logging.FromContext(ctx).With("connection_id", id)

	profile, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Error("failed to load connection for sftp", "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to load connection")
		return
	}

	if err := h.files.SftpConnect(ctx, profile); err != nil {
		log.Warn("sftp connect failed", "error", err)
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	entries, err := h.files.SftpListDir(id, path)
	if err != nil {
		writeFileError(w, err)
		return
	}
	if entries == nil {
		entries = []sftp.FileEntry{}
	}
	WriteJSON(w, http.StatusOK, DirListingResponse{Path: path, Entries: entries})
}

func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TransferRequest
	if err := decodeJSON(r, &req, false); err != nil || req.RemotePath == "" || req.LocalPath == "" {
		WriteError(w, http.StatusBadRequest, "remote_path and local_path are required")
		return
	}
	if err := h.files.SftpDownload(id, req.RemotePath, req.LocalPath); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TransferRequest
	if err := decodeJSON(r, &req, false); err != nil || req.RemotePath == "" || req.LocalPath == "" {
		WriteError(w, http.StatusBadRequest, "remote_path and local_path are required")
		return
	}
	if err := h.files.SftpUpload(id, req.LocalPath, req.RemotePath); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	isDir, _ := strconv.ParseBool(q.Get("dir"))

	if err := h.files.SftpRemove(id, path, isDir); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FileHandler) Mkdir(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req MkdirRequest
	if err := decodeJSON(r, &req, false); err != nil || req.Path == "" {
		WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := h.files.SftpCreateDir(id, req.Path); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *FileHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.files.SftpDisconnect(id); err != nil {
		writeFileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeFileError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, sftp.ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	WriteError(w, status, err.Error())
}
