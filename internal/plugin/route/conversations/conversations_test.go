package conversations

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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
)

// newTestRouter wires the conversation routes against a sqlite store and a
// local blob directory. Without an OIDC issuer configured, the bearer token
// itself is the user ID, so tests authenticate as "Bearer <user>".
func newTestRouter(t *testing.T) (*gin.Engine, registrystore.WorkbenchStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(t.TempDir(), "workbench.db")
	cfg.FileMaxSize = 1024
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))
	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	files, err := localdir.New(t.TempDir())
	require.NoError(t, err)

	router := gin.New()
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))
	MountRoutes(router, store, files, &cfg, auth)
	return router, store
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

func doJSON(t *testing.T, router *gin.Engine, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	return doRequest(t, router, user, method, path, "application/json", buf)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func createTestConversation(t *testing.T, router *gin.Engine, user, title string) uuid.UUID {
	t.Helper()
	rec := doJSON(t, router, user, http.MethodPost, "/v1/conversations", gin.H{"title": title})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv model.Conversation
	decodeBody(t, rec, &conv)
	return conv.ID
}

func TestCreateConversation_AddsCreatorParticipant(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "planning")

	rec := doJSON(t, router, "alice", http.MethodGet, "/v1/conversations/"+convID.String()+"/participants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Users []model.UserParticipant `json:"users"`
	}
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Users, 1)
	require.Equal(t, "alice", resp.Users[0].UserID)
	require.True(t, resp.Users[0].ActiveParticipant)
	require.Equal(t, model.PermissionReadWrite, resp.Users[0].ConversationPermission)
}

func TestCreateConversation_RequiresTitle(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "alice", http.MethodPost, "/v1/conversations", gin.H{"metadata": gin.H{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiresAuthorization(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, "", http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessagesRoundTrip(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "planning")
	base := "/v1/conversations/" + convID.String() + "/messages"

	rec := doJSON(t, router, "alice", http.MethodPost, base, gin.H{"content": "first"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first model.ConversationMessage
	decodeBody(t, rec, &first)
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, "alice", first.SenderID)
	require.Equal(t, "chat", first.MessageType)

	rec = doJSON(t, router, "alice", http.MethodPost, base, gin.H{"content": "second"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, "alice", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []model.ConversationMessage `json:"data"`
	}
	decodeBody(t, rec, &list)
	require.Len(t, list.Data, 2)
	require.Equal(t, "first", list.Data[0].Content)
	require.Equal(t, "second", list.Data[1].Content)

	rec = doJSON(t, router, "alice", http.MethodGet, base+"?afterSequence=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &list)
	require.Len(t, list.Data, 1)
	require.Equal(t, "second", list.Data[0].Content)
}

func TestFileUploadDownload(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "planning")
	path := "/v1/conversations/" + convID.String() + "/files/notes.txt"

	rec := doRequest(t, router, "alice", http.MethodPut, path, "text/plain", strings.NewReader("draft one"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var upload struct {
		File    model.File        `json:"file"`
		Version model.FileVersion `json:"version"`
	}
	decodeBody(t, rec, &upload)
	require.Equal(t, 1, upload.Version.Version)

	rec = doRequest(t, router, "alice", http.MethodPut, path, "text/plain", strings.NewReader("draft two"))
	require.Equal(t, http.StatusCreated, rec.Code)
	decodeBody(t, rec, &upload)
	require.Equal(t, 2, upload.Version.Version)
	require.Equal(t, 2, upload.File.CurrentVersion)

	rec = doRequest(t, router, "alice", http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "draft two", rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Disposition"), `filename="notes.txt"`)

	rec = doRequest(t, router, "alice", http.MethodGet, path+"?version=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "draft one", rec.Body.String())
}

func TestFileUpload_RejectsOversizedBody(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "planning")
	path := "/v1/conversations/" + convID.String() + "/files/big.bin"

	rec := doRequest(t, router, "alice", http.MethodPut, path, "application/octet-stream",
		bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestConversationScoping(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "private")

	rec := doJSON(t, router, "mallory", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "mallory", http.MethodGet, "/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []model.Conversation `json:"data"`
	}
	decodeBody(t, rec, &list)
	require.Empty(t, list.Data)
}

func TestAddUserParticipant_GrantsAccess(t *testing.T) {
	router, _ := newTestRouter(t)
	convID := createTestConversation(t, router, "alice", "shared")

	rec := doJSON(t, router, "alice", http.MethodPut,
		"/v1/conversations/"+convID.String()+"/participants/users/bob", gin.H{"name": "Bob"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, "bob", http.MethodGet, "/v1/conversations/"+convID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv model.Conversation
	decodeBody(t, rec, &conv)
	require.Equal(t, "shared", conv.Title)
}
