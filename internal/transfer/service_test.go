package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/model"
	"github.com/chirino/workbench-service/internal/plugin/files/localdir"
	_ "github.com/chirino/workbench-service/internal/plugin/store/gormstore"
	registrymigrate "github.com/chirino/workbench-service/internal/registry/migrate"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
)

const (
	testServiceID = "test-assistant-service"
	testOwner     = "alice"
	testImporter  = "bob"
)

func newTestStore(t *testing.T) registrystore.WorkbenchStore {
	t.Helper()
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
	return store
}

func newTestFiles(t *testing.T) *localdir.Storage {
	t.Helper()
	storage, err := localdir.New(t.TempDir())
	require.NoError(t, err)
	return storage
}

// fakeRuntime is an in-memory assistant service. It records acknowledgement
// calls and serves canned export streams.
type fakeRuntime struct {
	srv *httptest.Server

	mu                  sync.Mutex
	createdAssistants   []uuid.UUID
	assistantData       map[uuid.UUID]string
	connections         []string
	conversationData    map[string]string
	failPutConversation bool
	failExportFor       map[uuid.UUID]bool
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	f := &fakeRuntime{
		assistantData:    map[uuid.UUID]string{},
		conversationData: map[string]string{},
		failExportFor:    map[uuid.UUID]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/assistants/{aid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createdAssistants = append(f.createdAssistants, mustUUID(r.PathValue("aid")))
	})
	mux.HandleFunc("DELETE /v1/assistants/{aid}", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("PUT /v1/assistants/{aid}/data", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.assistantData[mustUUID(r.PathValue("aid"))] = string(body)
	})
	mux.HandleFunc("GET /v1/assistants/{aid}/export-data", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "assistant-state:%s", r.PathValue("aid"))
	})
	mux.HandleFunc("PUT /v1/assistants/{aid}/conversations/{cid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failPutConversation {
			http.Error(w, "connect refused by test", http.StatusInternalServerError)
			return
		}
		f.connections = append(f.connections, r.PathValue("aid")+"/"+r.PathValue("cid"))
	})
	mux.HandleFunc("DELETE /v1/assistants/{aid}/conversations/{cid}", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("PUT /v1/assistants/{aid}/conversations/{cid}/data", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.conversationData[r.PathValue("aid")+"/"+r.PathValue("cid")] = string(body)
	})
	mux.HandleFunc("GET /v1/assistants/{aid}/conversations/{cid}/export-data", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.failExportFor[mustUUID(r.PathValue("aid"))]
		f.mu.Unlock()
		if fail {
			http.Error(w, "export refused by test", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "conv-state:%s:%s", r.PathValue("aid"), r.PathValue("cid"))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func mustUUID(s string) uuid.UUID {
	return uuid.MustParse(s)
}

// deployment bundles one workbench side of a transfer test.
type deployment struct {
	store registrystore.WorkbenchStore
	files *localdir.Storage
	svc   *Service
}

func newDeployment(t *testing.T, runtimeURL string) *deployment {
	t.Helper()
	store := newTestStore(t)
	files := newTestFiles(t)
	_, err := store.UpsertAssistantServiceRegistration(context.Background(), model.AssistantServiceRegistration{
		AssistantServiceID: testServiceID,
		Name:               "Test Assistant Service",
		APIURL:             runtimeURL,
		Online:             true,
	})
	require.NoError(t, err)
	return &deployment{
		store: store,
		files: files,
		svc: NewService(store, files, Options{
			TempDir:            t.TempDir(),
			PageSize:           2,
			ImportMaxSize:      64 * 1024 * 1024,
			RuntimeCallTimeout: 10 * time.Second,
		}),
	}
}

// seed describes the fixture conversation created by seedConversation.
type seed struct {
	conversationID uuid.UUID
	assistantID    uuid.UUID
	messageIDs     []uuid.UUID
}

// seedConversation creates a conversation with three messages (one sent by the
// assistant, one carrying a debug payload), a file with gapped version numbers
// 3 and 5, matching blobs, and an active assistant participant.
func seedConversation(t *testing.T, d *deployment) seed {
	t.Helper()
	ctx := context.Background()

	conv, err := d.store.CreateConversation(ctx, model.Conversation{
		OwnerUserID: testOwner,
		Title:       "project kickoff",
		Metadata:    map[string]interface{}{"topic": "kickoff"},
	})
	require.NoError(t, err)

	assistant, err := d.store.CreateAssistant(ctx, model.Assistant{
		OwnerUserID:        testOwner,
		Name:               "scribe",
		AssistantServiceID: testServiceID,
		TemplateID:         "default",
	})
	require.NoError(t, err)
	require.NoError(t, d.store.AddOrReactivateAssistantParticipant(ctx, model.AssistantParticipant{
		ConversationID: conv.ID,
		AssistantID:    assistant.ID,
		Name:           assistant.Name,
	}))
	require.NoError(t, d.store.AddOrReactivateUserParticipant(ctx, model.UserParticipant{
		ConversationID: conv.ID,
		UserID:         testOwner,
		Name:           "Alice",
	}))

	var messageIDs []uuid.UUID
	m1, err := d.store.AppendMessage(ctx, testOwner, conv.ID, registrystore.NewMessage{
		SenderID: testOwner, SenderRole: "user", Content: "hello",
	})
	require.NoError(t, err)
	m2, err := d.store.AppendMessage(ctx, testOwner, conv.ID, registrystore.NewMessage{
		SenderID: assistant.ID.String(), SenderRole: "assistant", Content: "hi there",
		Debug: map[string]interface{}{"tokens": float64(7)},
	})
	require.NoError(t, err)
	m3, err := d.store.AppendMessage(ctx, testOwner, conv.ID, registrystore.NewMessage{
		SenderID: testOwner, SenderRole: "user", Content: "let's begin",
	})
	require.NoError(t, err)
	messageIDs = append(messageIDs, m1.ID, m2.ID, m3.ID)

	// File with non-dense version numbers, as left behind by pruning.
	fileID := uuid.New()
	require.NoError(t, d.store.InsertFile(ctx, model.File{
		ID:             fileID,
		ConversationID: conv.ID,
		Filename:       "notes.txt",
	}))
	for _, v := range []int{3, 5} {
		storageName := fmt.Sprintf("blob-v%d", v)
		_, err := d.files.Write(ctx, conv.ID.String(), storageName, strings.NewReader(fmt.Sprintf("notes v%d", v)))
		require.NoError(t, err)
		require.NoError(t, d.store.InsertFileVersion(ctx, model.FileVersion{
			FileID:          fileID,
			Version:         v,
			ContentType:     "text/plain",
			FileSize:        int64(len(fmt.Sprintf("notes v%d", v))),
			StorageFilename: storageName,
		}))
	}

	return seed{conversationID: conv.ID, assistantID: assistant.ID, messageIDs: messageIDs}
}

func readBlob(t *testing.T, files *localdir.Storage, namespace, name string) string {
	t.Helper()
	r, err := files.Open(context.Background(), namespace, name)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	source := newDeployment(t, runtime.srv.URL)
	target := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, source)

	result, err := source.svc.ExportConversations(ctx, testOwner, []uuid.UUID{fixture.conversationID})
	require.NoError(t, err)
	defer result.Cleanup()
	require.Equal(t, "conversation_export.zip", result.Filename)
	require.Equal(t, "application/zip", result.ContentType)

	archive, err := os.Open(result.FilePath)
	require.NoError(t, err)
	defer archive.Close()

	imported, err := target.svc.ImportConversations(ctx, testImporter, archive)
	require.NoError(t, err)
	require.Len(t, imported.ConversationIDs, 1)
	require.Len(t, imported.AssistantIDs, 1)

	newConvID := imported.ConversationIDs[0]
	newAssistantID := imported.AssistantIDs[0]
	require.NotEqual(t, fixture.conversationID, newConvID)
	require.NotEqual(t, fixture.assistantID, newAssistantID)

	// The importer owns the copy and is an active participant.
	conv, err := target.store.GetConversation(ctx, testImporter, newConvID)
	require.NoError(t, err)
	require.Equal(t, testImporter, conv.OwnerUserID)
	require.Equal(t, "project kickoff", conv.Title)
	require.NotNil(t, conv.ImportedFromConversationID)
	require.Equal(t, fixture.conversationID, *conv.ImportedFromConversationID)

	// Messages keep order and content under fresh IDs and sequences; the
	// assistant's own message follows the assistant to its new ID.
	msgs, err := target.store.ListMessages(ctx, testImporter, newConvID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		require.Equal(t, int64(i+1), msg.Sequence)
		require.NotContains(t, fixture.messageIDs, msg.ID)
	}
	require.Equal(t, []string{"hello", "hi there", "let's begin"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
	require.Equal(t, newAssistantID.String(), msgs[1].SenderID)

	debugs, err := target.store.PageMessageDebugs(ctx, newConvID, nil, 0)
	require.NoError(t, err)
	require.Len(t, debugs, 1)
	require.Equal(t, msgs[1].ID, debugs[0].MessageID)

	// File versions are renumbered densely while keeping order; blob contents
	// survive byte for byte.
	file, version, err := target.store.GetFileVersion(ctx, testImporter, newConvID, "notes.txt", 0)
	require.NoError(t, err)
	require.Equal(t, 2, file.CurrentVersion)
	require.Equal(t, 2, version.Version)
	require.Equal(t, "notes v5", readBlob(t, target.files, newConvID.String(), version.StorageFilename))
	_, v1, err := target.store.GetFileVersion(ctx, testImporter, newConvID, "notes.txt", 1)
	require.NoError(t, err)
	require.Equal(t, "notes v3", readBlob(t, target.files, newConvID.String(), v1.StorageFilename))

	// The assistant was recreated on its service with its exported state, and
	// reconnected to the imported conversation with the per-conversation state.
	assistant, err := target.store.GetAssistantUnchecked(ctx, newAssistantID)
	require.NoError(t, err)
	require.NotNil(t, assistant.ImportedFromAssistantID)
	require.Equal(t, fixture.assistantID, *assistant.ImportedFromAssistantID)

	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.Contains(t, runtime.createdAssistants, newAssistantID)
	require.Equal(t, "assistant-state:"+fixture.assistantID.String(), runtime.assistantData[newAssistantID])
	connKey := newAssistantID.String() + "/" + newConvID.String()
	require.Contains(t, runtime.connections, connKey)
	require.Equal(t,
		"conv-state:"+fixture.assistantID.String()+":"+fixture.conversationID.String(),
		runtime.conversationData[connKey])
}

func TestImport_RollsBackRowsOnRuntimeFailure(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	source := newDeployment(t, runtime.srv.URL)
	target := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, source)

	result, err := source.svc.ExportConversations(ctx, testOwner, []uuid.UUID{fixture.conversationID})
	require.NoError(t, err)
	defer result.Cleanup()

	runtime.mu.Lock()
	runtime.failPutConversation = true
	runtime.mu.Unlock()

	archive, err := os.Open(result.FilePath)
	require.NoError(t, err)
	defer archive.Close()
	_, err = target.svc.ImportConversations(ctx, testImporter, archive)
	require.Error(t, err)

	// Everything the import created is gone again.
	conversations, err := target.store.ListConversations(ctx, testImporter)
	require.NoError(t, err)
	require.Empty(t, conversations)
	assistants, err := target.store.ListAssistants(ctx, testImporter)
	require.NoError(t, err)
	require.Empty(t, assistants)
}

func TestImport_ReusesPreviouslyImportedAssistant(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	source := newDeployment(t, runtime.srv.URL)
	target := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, source)

	result, err := source.svc.ExportConversations(ctx, testOwner, []uuid.UUID{fixture.conversationID})
	require.NoError(t, err)
	defer result.Cleanup()

	importArchive := func() *ImportResult {
		archive, err := os.Open(result.FilePath)
		require.NoError(t, err)
		defer archive.Close()
		imported, err := target.svc.ImportConversations(ctx, testImporter, archive)
		require.NoError(t, err)
		return imported
	}

	first := importArchive()
	second := importArchive()

	require.Equal(t, first.AssistantIDs, second.AssistantIDs)
	require.NotEqual(t, first.ConversationIDs, second.ConversationIDs)

	// The runtime only saw one assistant create; the second import connected
	// the existing instance to the new conversation copy.
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.Len(t, runtime.createdAssistants, 1)
	require.Len(t, runtime.connections, 2)
}

func TestExportResult_CleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	source := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, source)

	result, err := source.svc.ExportConversations(ctx, testOwner, []uuid.UUID{fixture.conversationID})
	require.NoError(t, err)
	_, err = os.Stat(result.FilePath)
	require.NoError(t, err)

	result.Cleanup()
	result.Cleanup()
	_, err = os.Stat(result.FilePath)
	require.True(t, os.IsNotExist(err))
}

func TestExportConversations_InputValidation(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	source := newDeployment(t, runtime.srv.URL)

	_, err := source.svc.ExportConversations(ctx, testOwner, nil)
	var invalid *registrystore.InvalidArgumentError
	require.ErrorAs(t, err, &invalid)

	// Unknown or inaccessible conversations export as not found.
	_, err = source.svc.ExportConversations(ctx, testOwner, []uuid.UUID{uuid.New()})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDuplicateConversation(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, d)

	title := "kickoff (copy)"
	result, err := d.svc.DuplicateConversation(ctx, testOwner, fixture.conversationID, NewConversation{Title: &title})
	require.NoError(t, err)
	require.Empty(t, result.FailedReconnects)
	require.NotEqual(t, fixture.conversationID, result.ConversationID)

	dup, err := d.store.GetConversation(ctx, testOwner, result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, title, dup.Title)
	require.NotNil(t, dup.ImportedFromConversationID)
	require.Equal(t, fixture.conversationID, *dup.ImportedFromConversationID)

	// Fresh message identity, same order, fresh contiguous sequences.
	msgs, err := d.store.ListMessages(ctx, testOwner, result.ConversationID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		require.Equal(t, int64(i+1), msg.Sequence)
		require.NotContains(t, fixture.messageIDs, msg.ID)
	}

	// File version numbers are carried verbatim, gaps included.
	_, v3, err := d.store.GetFileVersion(ctx, testOwner, result.ConversationID, "notes.txt", 3)
	require.NoError(t, err)
	require.Equal(t, "notes v3", readBlob(t, d.files, result.ConversationID.String(), v3.StorageFilename))
	file, v5, err := d.store.GetFileVersion(ctx, testOwner, result.ConversationID, "notes.txt", 5)
	require.NoError(t, err)
	require.Equal(t, 5, file.CurrentVersion)
	require.Equal(t, "notes v5", readBlob(t, d.files, result.ConversationID.String(), v5.StorageFilename))

	// The assistant was reconnected with its per-conversation state from the
	// source conversation.
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	connKey := fixture.assistantID.String() + "/" + result.ConversationID.String()
	require.Contains(t, runtime.connections, connKey)
	require.Equal(t,
		"conv-state:"+fixture.assistantID.String()+":"+fixture.conversationID.String(),
		runtime.conversationData[connKey])
}

func TestDuplicateConversation_DefaultsTitleAndMergesMetadata(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, d)

	result, err := d.svc.DuplicateConversation(ctx, testOwner, fixture.conversationID, NewConversation{
		Metadata: map[string]interface{}{"color": "red"},
	})
	require.NoError(t, err)

	dup, err := d.store.GetConversation(ctx, testOwner, result.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "project kickoff (Copy)", dup.Title)
	require.Equal(t, "kickoff", dup.Metadata["topic"])
	require.Equal(t, "red", dup.Metadata["color"])
	require.Equal(t, fixture.conversationID.String(), dup.Metadata["_original_conversation_id"])

	// The source's metadata is untouched.
	source, err := d.store.GetConversation(ctx, testOwner, fixture.conversationID)
	require.NoError(t, err)
	require.NotContains(t, source.Metadata, "color")
	require.NotContains(t, source.Metadata, "_original_conversation_id")
}

func TestDuplicateConversation_SkipsInactiveParticipants(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, d)

	// An assistant that left the source conversation.
	departed, err := d.store.CreateAssistant(ctx, model.Assistant{
		OwnerUserID:        testOwner,
		Name:               "departed",
		AssistantServiceID: testServiceID,
		TemplateID:         "default",
	})
	require.NoError(t, err)
	require.NoError(t, d.store.AddOrReactivateAssistantParticipant(ctx, model.AssistantParticipant{
		ConversationID: fixture.conversationID,
		AssistantID:    departed.ID,
		Name:           departed.Name,
	}))
	require.NoError(t, d.store.DeactivateAssistantParticipant(ctx, fixture.conversationID, departed.ID))

	// A user that left.
	require.NoError(t, d.store.InsertUserParticipant(ctx, model.UserParticipant{
		ConversationID:    fixture.conversationID,
		UserID:            "carol",
		Name:              "carol",
		ActiveParticipant: false,
	}))

	result, err := d.svc.DuplicateConversation(ctx, testOwner, fixture.conversationID, NewConversation{})
	require.NoError(t, err)
	require.Empty(t, result.FailedReconnects)

	assistants, err := d.store.ListAssistantParticipants(ctx, result.ConversationID)
	require.NoError(t, err)
	require.Len(t, assistants, 1)
	require.Equal(t, fixture.assistantID, assistants[0].AssistantID)

	users, err := d.store.ListUserParticipants(ctx, result.ConversationID)
	require.NoError(t, err)
	for _, p := range users {
		require.NotEqual(t, "carol", p.UserID)
	}

	// The departed assistant was never reconnected.
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.NotContains(t, runtime.connections, departed.ID.String()+"/"+result.ConversationID.String())
}

func TestDuplicateConversation_PartialSuccessOnReconnectFailure(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, d)

	// A second assistant whose state export fails.
	flaky, err := d.store.CreateAssistant(ctx, model.Assistant{
		OwnerUserID:        testOwner,
		Name:               "flaky",
		AssistantServiceID: testServiceID,
		TemplateID:         "default",
	})
	require.NoError(t, err)
	require.NoError(t, d.store.AddOrReactivateAssistantParticipant(ctx, model.AssistantParticipant{
		ConversationID: fixture.conversationID,
		AssistantID:    flaky.ID,
		Name:           flaky.Name,
	}))
	runtime.mu.Lock()
	runtime.failExportFor[flaky.ID] = true
	runtime.mu.Unlock()

	result, err := d.svc.DuplicateConversation(ctx, testOwner, fixture.conversationID, NewConversation{})
	require.NoError(t, err)
	require.Len(t, result.FailedReconnects, 1)
	require.Equal(t, flaky.ID, result.FailedReconnects[0].AssistantID)
	require.NotEmpty(t, result.FailedReconnects[0].Error)

	// The duplicate survives the partial failure and the healthy assistant is
	// connected.
	_, err = d.store.GetConversation(ctx, testOwner, result.ConversationID)
	require.NoError(t, err)
	runtime.mu.Lock()
	defer runtime.mu.Unlock()
	require.Contains(t, runtime.connections, fixture.assistantID.String()+"/"+result.ConversationID.String())
}

func TestDuplicateConversation_InaccessibleIsNotFound(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)
	fixture := seedConversation(t, d)

	_, err := d.svc.DuplicateConversation(ctx, "mallory", fixture.conversationID, NewConversation{})
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestImport_RejectsArchiveWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	runtime := newFakeRuntime(t)
	d := newDeployment(t, runtime.srv.URL)

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "readme.txt"), []byte("hello"), 0o600))
	var archive bytes.Buffer
	require.NoError(t, PackArchive(workDir, &archive))

	_, err := d.svc.ImportConversations(ctx, testImporter, &archive)
	var malformed *MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
}
