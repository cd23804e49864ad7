package transfer

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/security"
)

// originalConversationIDKey is stored in a duplicate's metadata to point back
// at its source conversation.
const originalConversationIDKey = "_original_conversation_id"

// NewConversation overrides fields of a duplicated conversation. An absent
// title falls back to the source title with a " (Copy)" suffix; metadata
// entries are merged over the source's.
type NewConversation struct {
	Title    *string                `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FailedReconnect reports one assistant that could not be reconnected to the
// duplicate.
type FailedReconnect struct {
	AssistantID uuid.UUID `json:"assistantId"`
	Error       string    `json:"error"`
}

// DuplicateResult is the outcome of a duplication. FailedReconnects is
// non-empty on partial success: the duplicate exists and is usable, but the
// listed assistants hold no state for it.
type DuplicateResult struct {
	ConversationID   uuid.UUID         `json:"conversationId"`
	FailedReconnects []FailedReconnect `json:"failedReconnects,omitempty"`
}

// DuplicateConversation clones a conversation in-process: relational rows in
// one transaction (fresh message IDs and sequences, file versions carried
// verbatim), then the blob namespace, then per-assistant reconnection.
// Reconnection failures never roll the duplicate back; they are reported in
// the result instead.
func (s *Service) DuplicateConversation(ctx context.Context, userID string, conversationID uuid.UUID, overrides NewConversation) (*DuplicateResult, error) {
	source, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		security.ObserveTransfer("duplicate", "error")
		return nil, err
	}

	title := source.Title + " (Copy)"
	if overrides.Title != nil && *overrides.Title != "" {
		title = *overrides.Title
	}
	metadata := map[string]interface{}{}
	for k, v := range source.Metadata {
		metadata[k] = v
	}
	for k, v := range overrides.Metadata {
		metadata[k] = v
	}
	metadata[originalConversationIDKey] = source.ID.String()

	dup := model.Conversation{
		ID:                         uuid.New(),
		OwnerUserID:                userID,
		Title:                      title,
		Metadata:                   metadata,
		ImportedFromConversationID: &source.ID,
		CreatedAt:                  time.Now(),
	}

	var activeAssistants []uuid.UUID
	err = s.store.WithTx(ctx, func(tx registrystore.WorkbenchStore) error {
		var err error
		activeAssistants, err = s.copyConversationRows(ctx, tx, source.ID, dup)
		return err
	})
	if err != nil {
		security.ObserveTransfer("duplicate", "error")
		return nil, err
	}

	// Blob namespace. A failure here undoes the relational copy: the
	// duplicate without its files would be silently broken.
	if err := s.files.CopyNamespace(ctx, source.ID.String(), dup.ID.String()); err != nil {
		if delErr := s.store.DeleteConversationUnchecked(ctx, dup.ID); delErr != nil {
			log.Error("Duplicate rollback: failed to delete conversation", "conversationId", dup.ID, "err", delErr)
		}
		if delErr := s.files.DeleteNamespace(ctx, dup.ID.String()); delErr != nil {
			log.Error("Duplicate rollback: failed to delete blob namespace", "namespace", dup.ID, "err", delErr)
		}
		security.ObserveTransfer("duplicate", "error")
		return nil, err
	}

	// Reconnect assistants. The duplicate stays even when some fail.
	result := &DuplicateResult{ConversationID: dup.ID}
	for _, assistantID := range activeAssistants {
		if err := s.reconnectAssistant(ctx, assistantID, source.ID, dup.ID); err != nil {
			log.Warn("Failed to reconnect assistant to duplicated conversation",
				"assistantId", assistantID, "sourceConversationId", source.ID, "conversationId", dup.ID, "err", err)
			result.FailedReconnects = append(result.FailedReconnects, FailedReconnect{
				AssistantID: assistantID,
				Error:       err.Error(),
			})
		}
	}

	if len(result.FailedReconnects) > 0 {
		security.ObserveTransfer("duplicate", "partial")
	} else {
		security.ObserveTransfer("duplicate", "ok")
	}
	return result, nil
}

// copyConversationRows copies every relational row of the source conversation
// under the duplicate's ID. Returns the assistants that were active on the
// source.
func (s *Service) copyConversationRows(ctx context.Context, tx registrystore.WorkbenchStore, sourceID uuid.UUID, dup model.Conversation) ([]uuid.UUID, error) {
	if err := tx.InsertConversation(ctx, dup); err != nil {
		return nil, err
	}

	// Messages in sequence order; the store assigns fresh sequences, which
	// preserves relative order with no gaps. Debug payloads follow their
	// message.
	messageIDs := NewIDMap()
	after := int64(0)
	for {
		msgs, err := tx.PageMessages(ctx, sourceID, after, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			oldID := msg.ID
			msg.ID = messageIDs.Assign(KindMessage, oldID)
			msg.ConversationID = dup.ID
			msg.Sequence = 0
			if _, err := tx.InsertMessage(ctx, msg); err != nil {
				return nil, err
			}
		}
		if len(msgs) < s.pageSize {
			break
		}
		after = msgs[len(msgs)-1].Sequence
	}

	var afterDebug *uuid.UUID
	for {
		debugs, err := tx.PageMessageDebugs(ctx, sourceID, afterDebug, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, debug := range debugs {
			newMsgID, ok := messageIDs.Lookup(KindMessage, debug.MessageID)
			if !ok {
				continue // debug row for a message that vanished mid-copy
			}
			debug.ID = uuid.New()
			debug.MessageID = newMsgID
			if err := tx.InsertMessageDebug(ctx, debug); err != nil {
				return nil, err
			}
		}
		if len(debugs) < s.pageSize {
			break
		}
		last := debugs[len(debugs)-1].ID
		afterDebug = &last
	}

	// Files and versions. Version numbers are copied verbatim: they scope to
	// their file, so the duplicate's history reads the same as the source's.
	afterFile := ""
	for {
		files, err := tx.PageFiles(ctx, sourceID, afterFile, s.pageSize)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			afterFile = file.Filename
			oldFileID := file.ID
			file.ID = uuid.New()
			file.ConversationID = dup.ID
			if err := tx.InsertFile(ctx, file); err != nil {
				return nil, err
			}
			versions, err := tx.ListFileVersions(ctx, oldFileID)
			if err != nil {
				return nil, err
			}
			for _, version := range versions {
				version.FileID = file.ID
				if err := tx.InsertFileVersion(ctx, version); err != nil {
					return nil, err
				}
			}
		}
		if len(files) < s.pageSize {
			break
		}
	}

	// Only active participants join the duplicate; rows of departed
	// assistants and users stay behind with the source.
	var activeAssistants []uuid.UUID
	assistantParticipants, err := tx.ListAssistantParticipants(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	for _, p := range assistantParticipants {
		if !p.ActiveParticipant {
			continue
		}
		p.ConversationID = dup.ID
		if err := tx.InsertAssistantParticipant(ctx, p); err != nil {
			return nil, err
		}
		activeAssistants = append(activeAssistants, p.AssistantID)
	}
	userParticipants, err := tx.ListUserParticipants(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	for _, p := range userParticipants {
		if !p.ActiveParticipant {
			continue
		}
		p.ConversationID = dup.ID
		if err := tx.InsertUserParticipant(ctx, p); err != nil {
			return nil, err
		}
	}
	return activeAssistants, nil
}

// reconnectAssistant carries an assistant's source-conversation state over to
// the duplicate and connects it.
func (s *Service) reconnectAssistant(ctx context.Context, assistantID, sourceID, dupID uuid.UUID) error {
	assistant, err := s.store.GetAssistantUnchecked(ctx, assistantID)
	if err != nil {
		return err
	}
	client, err := s.clients.ForAssistant(ctx, assistant)
	if err != nil {
		return err
	}
	exported, err := client.GetExportedConversationData(ctx, assistantID, sourceID)
	if err != nil {
		return err
	}
	defer exported.Close()
	return client.PutConversation(ctx, assistantID, dupID, exported)
}
