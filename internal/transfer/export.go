package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/security"
	"github.com/chirino/workbench-service/internal/tempfiles"
)

// ExportResult is a handle to a finished export archive on disk. The caller
// must invoke Cleanup once the archive has been streamed out; Cleanup is
// idempotent and safe to defer on every exit path.
type ExportResult struct {
	FilePath    string
	Filename    string
	ContentType string

	cleanupOnce sync.Once
}

// Cleanup removes the archive file. Repeat calls are no-ops.
func (r *ExportResult) Cleanup() {
	r.cleanupOnce.Do(func() {
		if err := os.Remove(r.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn("Failed to remove export archive", "path", r.FilePath, "err", err)
		}
	})
}

// ExportConversations exports the given conversations (plus their assistants,
// messages, files, and participants) into an archive. Conversations the user
// cannot access are silently excluded; if nothing remains the export fails
// with a not-found error.
func (s *Service) ExportConversations(ctx context.Context, userID string, conversationIDs []uuid.UUID) (*ExportResult, error) {
	if len(conversationIDs) == 0 {
		return nil, &registrystore.InvalidArgumentError{Field: "conversationIds", Message: "must not be empty"}
	}
	conversations, err := s.store.ResolveConversations(ctx, userID, conversationIDs)
	if err != nil {
		return nil, err
	}
	if len(conversations) == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationIDs[0].String()}
	}

	result, err := s.buildArchive(ctx, conversations, nil, "conversation_export.zip")
	if err != nil {
		security.ObserveTransfer("export", "error")
		return nil, err
	}
	security.ObserveTransfer("export", "ok")
	return result, nil
}

// ExportAssistant exports one assistant together with every conversation it
// actively participates in that the caller can access.
func (s *Service) ExportAssistant(ctx context.Context, userID string, assistantID uuid.UUID) (*ExportResult, error) {
	assistant, err := s.store.GetAssistant(ctx, userID, assistantID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListAssistantConversations(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	var conversations []model.Conversation
	if len(all) > 0 {
		ids := make([]uuid.UUID, len(all))
		for i, c := range all {
			ids[i] = c.ID
		}
		conversations, err = s.store.ResolveConversations(ctx, userID, ids)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.buildArchive(ctx, conversations, assistant, fmt.Sprintf("assistant_%s.zip", assistant.Name))
	if err != nil {
		security.ObserveTransfer("export", "error")
		return nil, err
	}
	security.ObserveTransfer("export", "ok")
	return result, nil
}

// buildArchive assembles the working directory (snapshot + blobs + runtime
// state) and packs it into a temp zip. mustInclude forces an assistant into
// the snapshot even when it has no conversations.
func (s *Service) buildArchive(ctx context.Context, conversations []model.Conversation, mustInclude *model.Assistant, filename string) (result *ExportResult, err error) {
	workDir, err := tempfiles.CreateDir(s.tempDir, "workbench-export-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn("Failed to remove export working directory", "dir", workDir, "err", rmErr)
		}
	}()

	assistants, participation, err := s.resolveAssistants(ctx, conversations, mustInclude)
	if err != nil {
		return nil, err
	}

	// Snapshot.
	snapFile, err := os.Create(filepath.Join(workDir, SnapshotFilename))
	if err != nil {
		return nil, err
	}
	err = EncodeSnapshot(ctx, s.store, conversations, assistants, snapFile, s.pageSize)
	if cerr := snapFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	// Conversation blobs.
	for _, conv := range conversations {
		dest := filepath.Join(workDir, conversationBlobDir(conv.ID.String()))
		if err := DumpNamespace(ctx, s.files, conv.ID.String(), dest); err != nil {
			return nil, err
		}
	}

	// Assistant runtime state.
	for i := range assistants {
		assistant := &assistants[i]
		client, err := s.clients.ForAssistant(ctx, assistant)
		if err != nil {
			return nil, err
		}
		if err := s.dumpRuntimeStream(ctx, workDir, assistantDataPath(assistant.ID.String()), func() (io.ReadCloser, error) {
			return client.GetExportedData(ctx, assistant.ID)
		}); err != nil {
			return nil, err
		}
		for _, convID := range participation[assistant.ID] {
			cid := convID
			if err := s.dumpRuntimeStream(ctx, workDir, conversationDataPath(assistant.ID.String(), cid.String()), func() (io.ReadCloser, error) {
				return client.GetExportedConversationData(ctx, assistant.ID, cid)
			}); err != nil {
				return nil, err
			}
		}
	}

	// Pack.
	zipFile, err := tempfiles.Create(s.tempDir, "workbench-export-*.zip")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = zipFile.Close()
			_ = os.Remove(zipFile.Name())
		}
	}()
	if err = PackArchive(workDir, zipFile); err != nil {
		return nil, err
	}
	if err = zipFile.Close(); err != nil {
		return nil, err
	}

	return &ExportResult{
		FilePath:    zipFile.Name(),
		Filename:    filename,
		ContentType: archiveContentType,
	}, nil
}

// resolveAssistants collects the assistants participating in the given
// conversations, plus which of those conversations each participates in.
func (s *Service) resolveAssistants(ctx context.Context, conversations []model.Conversation, mustInclude *model.Assistant) ([]model.Assistant, map[uuid.UUID][]uuid.UUID, error) {
	participation := map[uuid.UUID][]uuid.UUID{}
	byID := map[uuid.UUID]model.Assistant{}
	if mustInclude != nil {
		byID[mustInclude.ID] = *mustInclude
	}

	for _, conv := range conversations {
		participants, err := s.store.ListAssistantParticipants(ctx, conv.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range participants {
			if !p.ActiveParticipant {
				continue
			}
			if _, ok := byID[p.AssistantID]; !ok {
				assistant, err := s.store.GetAssistantUnchecked(ctx, p.AssistantID)
				if err != nil {
					var nf *registrystore.NotFoundError
					if errors.As(err, &nf) {
						// Participant row outlived its assistant; skip it.
						continue
					}
					return nil, nil, err
				}
				byID[p.AssistantID] = *assistant
			}
			participation[p.AssistantID] = append(participation[p.AssistantID], conv.ID)
		}
	}

	assistants := make([]model.Assistant, 0, len(byID))
	for _, a := range byID {
		assistants = append(assistants, a)
	}
	sort.Slice(assistants, func(i, j int) bool { return assistants[i].ID.String() < assistants[j].ID.String() })
	return assistants, participation, nil
}

// dumpRuntimeStream fetches a runtime export stream into a working-directory
// file. The stream is closed on every path.
func (s *Service) dumpRuntimeStream(ctx context.Context, workDir, relPath string, open func() (io.ReadCloser, error)) error {
	stream, err := open()
	if err != nil {
		return err
	}
	defer stream.Close()

	path := filepath.Join(workDir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, stream)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
