package transfers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/model"
	"github.com/chirino/workbench-service/internal/plugin/files/localdir"
	_ "github.com/chirino/workbench-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/workbench-service/internal/registry/migrate"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/security"
	"github.com/chirino/workbench-service/internal/transfer"
)

// The fixtures here carry no assistants, so no assistant service is needed.
// Assistant acknowledgement paths are covered by the transfer package tests.
func newTestRouter(t *testing.T) (*gin.Engine, registrystore.WorkbenchStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "workbench.db")
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := localdir.New(t.TempDir())
	require.NoError(t, err)

	svc := transfer.NewService(store, files, transfer.Options{
		TempDir:       t.TempDir(),
		ImportMaxSize: 16 << 20,
	})

	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	MountRoutes(router, svc, auth)
	return router, store
}

func seedConversation(t *testing.T, store registrystore.WorkbenchStore, owner string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, model.Conversation{
		OwnerUserID: owner,
		Title:       "retro notes",
	})
	require.NoError(t, err)
	for _, content := range []string{"went well", "needs work"} {
		_, err = store.AppendMessage(ctx, owner, conv.ID, registrystore.NewMessage{
			SenderID:   owner,
			SenderRole: "user",
			Content:    content,
		})
		require.NoError(t, err)
	}
	return conv.ID
}

func doRequest(t *testing.T, router *gin.Engine, user, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func exportArchive(t *testing.T, router *gin.Engine, user string, conversationIDs ...uuid.UUID) []byte {
	t.Helper()
	raw, err := json.Marshal(gin.H{"conversationIds": conversationIDs})
	require.NoError(t, err)
	rec := doRequest(t, router, user, http.MethodPost, "/v1/conversations/export", "application/json", bytes.NewReader(raw))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), "conversation_export.zip")
	return rec.Body.Bytes()
}

func multipartArchive(t *testing.T, archive []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "conversation_export.zip")
	require.NoError(t, err)
	_, err = part.Write(archive)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestExportImportOverHTTP(t *testing.T) {
	router, store := newTestRouter(t)
	convID := seedConversation(t, store, "alice")

	archive := exportArchive(t, router, "alice", convID)

	body, contentType := multipartArchive(t, archive)
	rec := doRequest(t, router, "bob", http.MethodPost, "/v1/conversations/import", contentType, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result transfer.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.ConversationIDs, 1)
	require.NotEqual(t, convID, result.ConversationIDs[0])

	msgs, err := store.ListMessages(context.Background(), "bob", result.ConversationIDs[0], 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "went well", msgs[0].Content)
}

func TestExport_ValidationErrors(t *testing.T) {
	router, store := newTestRouter(t)
	convID := seedConversation(t, store, "alice")

	rec := doRequest(t, router, "alice", http.MethodPost, "/v1/conversations/export", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Inaccessible conversations read as missing.
	raw, err := json.Marshal(gin.H{"conversationIds": []uuid.UUID{convID}})
	require.NoError(t, err)
	rec = doRequest(t, router, "mallory", http.MethodPost, "/v1/conversations/export", "application/json", bytes.NewReader(raw))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImport_RejectsMalformedArchive(t *testing.T) {
	router, _ := newTestRouter(t)

	body, contentType := multipartArchive(t, []byte("this is not a zip"))
	rec := doRequest(t, router, "bob", http.MethodPost, "/v1/conversations/import", contentType, body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, "bob", http.MethodPost, "/v1/conversations/import", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateOverHTTP(t *testing.T) {
	router, store := newTestRouter(t)
	convID := seedConversation(t, store, "alice")

	raw, err := json.Marshal(gin.H{"title": "retro notes (copy)"})
	require.NoError(t, err)
	rec := doRequest(t, router, "alice", http.MethodPost,
		"/v1/conversations/"+convID.String()+"/duplicate", "application/json", bytes.NewReader(raw))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var result transfer.DuplicateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Empty(t, result.FailedReconnects)

	dup, err := store.GetConversation(context.Background(), "alice", result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "retro notes (copy)", dup.Title)

	rec = doRequest(t, router, "alice", http.MethodPost,
		"/v1/conversations/"+uuid.NewString()+"/duplicate", "application/json", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
