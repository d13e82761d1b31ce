package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"konnect/apps/api/db"
	"konnect/apps/api/models"
	"konnect/libs/go/logging"
)

// redactedSecret is what clients see in place of a stored secret. Sending it
// back on update keeps the stored value.
const redactedSecret = "********"

type ConnectionHandler struct {
	store ConnectionStore
}

func NewConnectionHandler(store ConnectionStore) *ConnectionHandler {
	return &ConnectionHandler{store: store}
}

func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	conns, err := h.store.List(ctx)
	if err != nil {
		log.Error("failed to list connections", "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to list connections")
		return
	}

	response := ConnectionListResponse{Connections: make([]models.Connection, len(conns))}
	for i, c := range conns {
		response.Connections[i] = c.Redacted()
	}
	WriteJSON(w, http.StatusOK, response)
}

func (h *ConnectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	var req ConnectionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var conn models.Connection
	switch req.ConnectionType {
	case models.ConnectionSSH:
		if req.SshConfig == nil {
			WriteError(w, http.StatusBadRequest, models.ErrSSHConfigRequired.Error())
			return
		}
		conn = models.NewSSHConnection(req.Name, *req.SshConfig)
	default:
		conn = models.NewLocalConnection(req.Name)
		conn.ConnectionType = req.ConnectionType
		if conn.ConnectionType == "" {
			conn.ConnectionType = models.ConnectionLocal
		}
	}
	if err := conn.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Add(ctx, conn); err != nil {
		if errors.Is(err, db.ErrAlreadyExists) {
			WriteError(w, http.StatusConflict, "Connection already exists")
			return
		}
		log.Error("failed to create connection", "name", conn.Name, "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to create connection")
		return
	}

	log.Info("connection created", "connection_id", conn.ID, "type", conn.ConnectionType)
	WriteJSON(w, http.StatusCreated, conn.Redacted())
}

func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	log := logging.FromContext(ctx)

	conn, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Error("failed to get connection", "connection_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to get connection")
		return
	}

	WriteJSON(w, http.StatusOK, conn.Redacted())
}

func (h *ConnectionHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	log := logging.FromContext(ctx)

	var req ConnectionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	existing, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Error("failed to get connection for update", "connection_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to update connection")
		return
	}

	updated := models.Connection{
		ID:             id,
		Name:           req.Name,
		ConnectionType: req.ConnectionType,
		SshConfig:      req.SshConfig,
	}
	if updated.ConnectionType == "" {
		updated.ConnectionType = existing.ConnectionType
	}
	keepSecrets(&updated, existing)

	if err := updated.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.Update(ctx, updated); err != nil {
		log.Error("failed to update connection", "connection_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to update connection")
		return
	}

	WriteJSON(w, http.StatusOK, updated.Redacted())
}

func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	log := logging.FromContext(ctx)

	if err := h.store.Remove(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Connection not found")
			return
		}
		log.Error("failed to delete connection", "connection_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "Failed to delete connection")
		return
	}

	log.Info("connection deleted", "connection_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// keepSecrets restores stored secrets the client echoed back redacted.
func keepSecrets(updated *models.Connection, existing models.Connection) {
	if updated.SshConfig == nil || existing.SshConfig == nil {
		return
	}
	auth := &updated.SshConfig.Auth
	old := existing.SshConfig.Auth
	if auth.Password == redactedSecret {
		auth.Password = old.Password
	}
	if auth.Passphrase == redactedSecret {
		auth.Passphrase = old.Passphrase
	}
}
