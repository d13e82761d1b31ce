package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnect/apps/api/db"
	"konnect/apps/api/models"
	"konnect/apps/api/sftp"
)

type fakeFiles struct {
	connected map[string]bool
	removed   []string
}

func (f *fakeFiles) check(id string) error {
	if !f.connected[id] {
		return fmt.Errorf("SFTP session %s not found: %w", id, sftp.ErrSessionNotFound)
	}
	return nil
}

func (f *fakeFiles) SftpConnect(ctx context.Context, profile models.Connection) error {
	if profile.SshConfig == nil {
		return fmt.Errorf("SSH config is required for SFTP connection")
	}
	f.connected[profile.ID] = true
	return nil
}

func (f *fakeFiles) SftpListDir(id, path string) ([]sftp.FileEntry, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}
	return []sftp.FileEntry{{Name: "notes.txt", Size: 5}, {Name: "src", IsDir: true}}, nil
}

func (f *fakeFiles) SftpDownload(id, remotePath, localPath string) error { return f.check(id) }
func (f *fakeFiles) SftpUpload(id, localPath, remotePath string) error   { return f.check(id) }

func (f *fakeFiles) SftpRemove(id, path string, isDir bool) error {
	if err := f.check(id); err != nil {
		return err
	}
	f.removed = append(f.removed, fmt.Sprintf("%s:%t", path, isDir))
	return nil
}

func (f *fakeFiles) SftpCreateDir(id, path string) error { return f.check(id) }

func (f *fakeFiles) SftpDisconnect(id string) error {
	delete(f.connected, id)
	return nil
}

func newFileRouter(t *testing.T) (http.Handler, *fakeFiles, models.Connection) {
	t.Helper()
	store := db.NewFileStore(t.TempDir(), nil)
	conn := models.NewSSHConnection("box", models.SshConfig{Host: "box", Username: "u", Auth: models.PasswordCredential("pw")})
	require.NoError(t, store.Add(context.Background(), conn))

	files := &fakeFiles{connected: map[string]bool{}}
	h := NewFileHandler(store, files)

	r := chi.NewRouter()
	r.Route("/sftp/{id}", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Get("/list", h.List)
		r.Post("/download", h.Download)
		r.Post("/upload", h.Upload)
		r.Delete("/", h.Remove)
		r.Post("/mkdir", h.Mkdir)
		r.Delete("/session", h.Disconnect)
	})
	return r, files, conn
}

func TestFileHandler_Lifecycle(t *testing.T) {
	router, files, conn := newFileRouter(t)
	base := "/sftp/" + conn.ID

	rr := doJSON(t, router, http.MethodGet, base+"/list?path=/tmp", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodPost, base+"/connect", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, router, http.MethodGet, base+"/list?path=/tmp", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listing DirListingResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&listing))
	assert.Equal(t, "/tmp", listing.Path)
	require.Len(t, listing.Entries, 2)
	assert.True(t, listing.Entries[1].IsDir)

	rr = doJSON(t, router, http.MethodPost, base+"/download", TransferRequest{RemotePath: "/tmp/notes.txt", LocalPath: "/dev/null"})
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, router, http.MethodPost, base+"/upload", TransferRequest{RemotePath: "/tmp/x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, base+"/mkdir", MkdirRequest{Path: "/tmp/new"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = doJSON(t, router, http.MethodDelete, base+"/?path=/tmp/new&dir=true", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"/tmp/new:true"}, files.removed)

	rr = doJSON(t, router, http.MethodDelete, base+"/session", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, files.connected[conn.ID])
}

func TestFileHandler_ConnectUnknownProfile(t *testing.T) {
	router, _, _ := newFileRouter(t)
	rr := doJSON(t, router, http.MethodPost, "/sftp/nope/connect", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
