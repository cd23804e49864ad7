package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/runtime"
	"github.com/chirino/workbench-service/internal/security"
	"github.com/chirino/workbench-service/internal/tempfiles"
)

// ImportResult reports what an import created.
type ImportResult struct {
	ConversationIDs []uuid.UUID `json:"conversationIds"`
	AssistantIDs    []uuid.UUID `json:"assistantIds"`
}

// ImportConversations restores an export archive under the importing user.
// The relational snapshot is applied in one transaction; only after it commits
// are blobs restored and assistant services called. A failure past the commit
// deletes every newly created row again, while restored blobs are left behind
// as unreachable garbage rather than risking deletion of shared namespaces.
func (s *Service) ImportConversations(ctx context.Context, userID string, archive io.Reader) (*ImportResult, error) {
	result, err := s.importConversations(ctx, userID, archive)
	if err != nil {
		security.ObserveTransfer("import", "error")
		return nil, err
	}
	security.ObserveTransfer("import", "ok")
	return result, nil
}

func (s *Service) importConversations(ctx context.Context, userID string, archive io.Reader) (*ImportResult, error) {
	workDir, err := tempfiles.CreateDir(s.tempDir, "workbench-import-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn("Failed to remove import working directory", "dir", workDir, "err", rmErr)
		}
	}()

	if err := UnpackArchive(ctx, archive, workDir, s.tempDir, s.importMaxSize); err != nil {
		return nil, err
	}

	snapFile, err := os.Open(filepath.Join(workDir, SnapshotFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MalformedSnapshotError{Message: "archive has no " + SnapshotFilename}
		}
		return nil, err
	}
	defer snapFile.Close()

	// Phase 1: decode, remap, and insert everything in one transaction.
	restorer := newRestorer(userID)
	err = s.store.WithTx(ctx, func(tx registrystore.WorkbenchStore) error {
		restorer.tx = tx
		if err := DecodeSnapshot(ctx, snapFile, restorer); err != nil {
			return err
		}
		return restorer.finish(ctx)
	})
	restorer.tx = nil
	if err != nil {
		return nil, err
	}

	// Phase 2: blobs, then runtime calls. Any failure here rolls the
	// relational rows back out.
	if err := s.completeImport(ctx, workDir, restorer); err != nil {
		s.rollbackImport(ctx, restorer)
		return nil, err
	}

	return &ImportResult{
		ConversationIDs: restorer.newConversationIDs,
		AssistantIDs:    restorer.assistantIDs(),
	}, nil
}

// completeImport restores blob namespaces and replays runtime state for the
// freshly committed rows.
func (s *Service) completeImport(ctx context.Context, workDir string, r *restorer) error {
	for oldID, newID := range r.conversationIDsByOld {
		src := filepath.Join(workDir, conversationBlobDir(oldID.String()))
		if err := RestoreNamespace(ctx, s.files, src, newID.String()); err != nil {
			return err
		}
	}

	for _, imported := range r.assistants {
		assistant, err := s.store.GetAssistantUnchecked(ctx, imported.newID)
		if err != nil {
			return err
		}
		client, err := s.clients.ForAssistant(ctx, assistant)
		if err != nil {
			return err
		}

		if imported.isNew {
			exported, err := openOptional(filepath.Join(workDir, assistantDataPath(imported.oldID.String())))
			if err != nil {
				return err
			}
			def := runtime.AssistantDefinition{
				ID:         assistant.ID,
				Name:       assistant.Name,
				TemplateID: assistant.TemplateID,
				Metadata:   assistant.Metadata,
			}
			err = client.PutAssistant(ctx, def, exported)
			closeOptional(exported)
			if err != nil {
				return err
			}
		}

		for _, conn := range imported.connections {
			exported, err := openOptional(filepath.Join(workDir, conversationDataPath(imported.oldID.String(), conn.oldConversationID.String())))
			if err != nil {
				return err
			}
			err = client.PutConversation(ctx, assistant.ID, conn.newConversationID, exported)
			closeOptional(exported)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// rollbackImport deletes every row the import created. Runs on a fresh
// transaction since the original one already committed.
func (s *Service) rollbackImport(ctx context.Context, r *restorer) {
	for _, imported := range r.assistants {
		if !imported.isNew {
			continue
		}
		if err := s.store.DeleteAssistantUnchecked(ctx, imported.newID); err != nil {
			log.Error("Import rollback: failed to delete assistant", "assistantId", imported.newID, "err", err)
		}
	}
	for _, convID := range r.newConversationIDs {
		if err := s.store.DeleteConversationUnchecked(ctx, convID); err != nil {
			log.Error("Import rollback: failed to delete conversation", "conversationId", convID, "err", err)
		}
	}
}

// importedAssistant tracks one assistant record seen in the snapshot.
type importedAssistant struct {
	oldID uuid.UUID
	newID uuid.UUID
	// isNew is false when the importing user already holds an assistant
	// imported from the same original; that one is reused and no runtime
	// create happens.
	isNew       bool
	connections []importedConnection
}

type importedConnection struct {
	oldConversationID uuid.UUID
	newConversationID uuid.UUID
}

// restorer applies snapshot records inside the import transaction. It owns the
// remap table and validates that every record's parents appeared earlier in
// the stream.
type restorer struct {
	tx     registrystore.WorkbenchStore
	userID string
	ids    *IDMap

	newConversationIDs   []uuid.UUID
	conversationIDsByOld map[uuid.UUID]uuid.UUID
	assistants           []*importedAssistant
	assistantsByOld      map[uuid.UUID]*importedAssistant
	// fileVersionCount renumbers versions densely per file during restore.
	fileVersionCount map[uuid.UUID]int
	// importerSeen tracks conversations whose user participants already
	// include the importing user.
	importerSeen map[uuid.UUID]bool
}

func newRestorer(userID string) *restorer {
	return &restorer{
		userID:               userID,
		ids:                  NewIDMap(),
		conversationIDsByOld: map[uuid.UUID]uuid.UUID{},
		assistantsByOld:      map[uuid.UUID]*importedAssistant{},
		fileVersionCount:     map[uuid.UUID]int{},
		importerSeen:         map[uuid.UUID]bool{},
	}
}

func (r *restorer) assistantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(r.assistants))
	for i, a := range r.assistants {
		ids[i] = a.newID
	}
	return ids
}

func (r *restorer) ApplyConversation(ctx context.Context, line int, conv model.Conversation) error {
	oldID := conv.ID
	conv.ID = r.ids.Assign(KindConversation, oldID)
	conv.OwnerUserID = r.userID
	conv.ImportedFromConversationID = &oldID
	conv.CreatedAt = time.Time{}
	if err := r.tx.InsertConversation(ctx, conv); err != nil {
		return err
	}
	r.newConversationIDs = append(r.newConversationIDs, conv.ID)
	r.conversationIDsByOld[oldID] = conv.ID
	return nil
}

func (r *restorer) ApplyAssistant(ctx context.Context, line int, assistant model.Assistant) error {
	oldID := assistant.ID
	if _, dup := r.assistantsByOld[oldID]; dup {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("duplicate assistant %s", oldID)}
	}

	existing, err := r.tx.FindImportedAssistant(ctx, r.userID, oldID, assistant.AssistantServiceID, assistant.TemplateID)
	if err != nil {
		return err
	}
	imported := &importedAssistant{oldID: oldID}
	if existing != nil {
		imported.newID = existing.ID
		r.ids.Put(KindAssistant, oldID, existing.ID)
	} else {
		imported.isNew = true
		assistant.ID = r.ids.Assign(KindAssistant, oldID)
		assistant.OwnerUserID = r.userID
		assistant.ImportedFromAssistantID = &oldID
		assistant.CreatedAt = time.Time{}
		if err := r.tx.InsertAssistant(ctx, assistant); err != nil {
			return err
		}
		imported.newID = assistant.ID
	}
	r.assistants = append(r.assistants, imported)
	r.assistantsByOld[oldID] = imported
	return nil
}

func (r *restorer) ApplyMessage(ctx context.Context, line int, msg model.ConversationMessage) error {
	newConvID, ok := r.ids.Lookup(KindConversation, msg.ConversationID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("message references unseen conversation %s", msg.ConversationID)}
	}
	oldID := msg.ID
	msg.ID = r.ids.Assign(KindMessage, oldID)
	msg.ConversationID = newConvID
	// The store assigns the sequence; the snapshot's value is dropped.
	msg.Sequence = 0
	// Assistant senders are remapped with their assistant.
	if newSender, ok := r.ids.Lookup(KindAssistant, parseUUID(msg.SenderID)); ok && msg.SenderRole == "assistant" {
		msg.SenderID = newSender.String()
	}
	_, err := r.tx.InsertMessage(ctx, msg)
	return err
}

func (r *restorer) ApplyMessageDebug(ctx context.Context, line int, debug model.ConversationMessageDebug) error {
	newMsgID, ok := r.ids.Lookup(KindMessage, debug.MessageID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("message debug references unseen message %s", debug.MessageID)}
	}
	debug.ID = uuid.New()
	debug.MessageID = newMsgID
	return r.tx.InsertMessageDebug(ctx, debug)
}

func (r *restorer) ApplyFile(ctx context.Context, line int, file model.File) error {
	newConvID, ok := r.ids.Lookup(KindConversation, file.ConversationID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("file references unseen conversation %s", file.ConversationID)}
	}
	file.ID = r.ids.Assign(KindFile, file.ID)
	file.ConversationID = newConvID
	// Rebuilt as versions stream in.
	file.CurrentVersion = 0
	return r.tx.InsertFile(ctx, file)
}

func (r *restorer) ApplyFileVersion(ctx context.Context, line int, version model.FileVersion) error {
	newFileID, ok := r.ids.Lookup(KindFile, version.FileID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("file version references unseen file %s", version.FileID)}
	}
	version.FileID = newFileID
	// Versions arrive in ascending order; renumber densely from 1 while
	// keeping that order. The storage filename still locates the blob.
	r.fileVersionCount[newFileID]++
	version.Version = r.fileVersionCount[newFileID]
	return r.tx.InsertFileVersion(ctx, version)
}

func (r *restorer) ApplyAssistantParticipant(ctx context.Context, line int, p model.AssistantParticipant) error {
	newConvID, ok := r.ids.Lookup(KindConversation, p.ConversationID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("assistant participant references unseen conversation %s", p.ConversationID)}
	}
	imported, ok := r.assistantsByOld[p.AssistantID]
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("assistant participant references unseen assistant %s", p.AssistantID)}
	}
	oldConvID := p.ConversationID
	p.ConversationID = newConvID
	p.AssistantID = imported.newID
	if err := r.tx.InsertAssistantParticipant(ctx, p); err != nil {
		return err
	}
	if p.ActiveParticipant {
		imported.connections = append(imported.connections, importedConnection{
			oldConversationID: oldConvID,
			newConversationID: newConvID,
		})
	}
	return nil
}

func (r *restorer) ApplyUserParticipant(ctx context.Context, line int, p model.UserParticipant) error {
	newConvID, ok := r.ids.Lookup(KindConversation, p.ConversationID)
	if !ok {
		return &MalformedSnapshotError{Line: line, Message: fmt.Sprintf("user participant references unseen conversation %s", p.ConversationID)}
	}
	p.ConversationID = newConvID
	if p.UserID == r.userID {
		r.importerSeen[newConvID] = true
		p.ActiveParticipant = true
	}
	return r.tx.InsertUserParticipant(ctx, p)
}

// finish runs after the last record, still inside the transaction: the
// importing user becomes an active participant of every imported conversation
// they were not already part of.
func (r *restorer) finish(ctx context.Context) error {
	for _, convID := range r.newConversationIDs {
		if r.importerSeen[convID] {
			continue
		}
		err := r.tx.InsertUserParticipant(ctx, model.UserParticipant{
			ConversationID:         convID,
			UserID:                 r.userID,
			Name:                   r.userID,
			ActiveParticipant:      true,
			ConversationPermission: model.PermissionReadWrite,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- helpers ---

func openOptional(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func closeOptional(rc io.ReadCloser) {
	if rc != nil {
		_ = rc.Close()
	}
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
