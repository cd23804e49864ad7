package store

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/chirino/workbench-service/internal/model"
)

// NewMessage is the input for appending a message to a conversation. The store
// assigns the message ID (when zero) and the sequence number.
type NewMessage struct {
	ID          uuid.UUID
	SenderID    string
	SenderRole  string
	MessageType string
	ContentType string
	Content     string
	Metadata    map[string]interface{}
	Debug       map[string]interface{}
}

// NewFileVersion is the input for recording a new version of a conversation
// file. The blob itself is written to file storage by the caller; the store
// only records the row and bumps the file's current version.
type NewFileVersion struct {
	Filename    string
	ContentType string
	FileSize    int64
	Metadata    map[string]interface{}
}

// WorkbenchStore defines the primary data access interface for the workbench
// service. Methods taking a userID are scoped to that principal: rows the
// user cannot see behave as if they do not exist. The Insert*/Unchecked
// methods skip principal checks and are meant to run inside WithTx.
type WorkbenchStore interface {
	// WithTx runs fn inside a single transaction. The store passed to fn
	// issues all its statements on that transaction; returning an error
	// rolls everything back.
	WithTx(ctx context.Context, fn func(tx WorkbenchStore) error) error

	// Assistant service registrations
	UpsertAssistantServiceRegistration(ctx context.Context, reg model.AssistantServiceRegistration) (*model.AssistantServiceRegistration, error)
	GetAssistantServiceRegistration(ctx context.Context, assistantServiceID string) (*model.AssistantServiceRegistration, error)
	ListAssistantServiceRegistrations(ctx context.Context) ([]model.AssistantServiceRegistration, error)

	// Assistants
	CreateAssistant(ctx context.Context, assistant model.Assistant) (*model.Assistant, error)
	GetAssistant(ctx context.Context, userID string, assistantID uuid.UUID) (*model.Assistant, error)
	ListAssistants(ctx context.Context, userID string) ([]model.Assistant, error)
	// FindImportedAssistant looks up an assistant of the user that was
	// previously imported from the given original assistant ID on the same
	// service/template pair.
	FindImportedAssistant(ctx context.Context, userID string, originalID uuid.UUID, assistantServiceID, templateID string) (*model.Assistant, error)
	// GetAssistantUnchecked skips principal scoping. Used when resolving
	// participants of a conversation the caller can already see.
	GetAssistantUnchecked(ctx context.Context, assistantID uuid.UUID) (*model.Assistant, error)
	DeleteAssistantUnchecked(ctx context.Context, assistantID uuid.UUID) error

	// Conversations
	CreateConversation(ctx context.Context, conversation model.Conversation) (*model.Conversation, error)
	GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	// ResolveConversations returns the subset of the given conversations the
	// user participates in. Inaccessible or unknown IDs are silently dropped.
	ResolveConversations(ctx context.Context, userID string, conversationIDs []uuid.UUID) ([]model.Conversation, error)
	DeleteConversationUnchecked(ctx context.Context, conversationID uuid.UUID) error

	// Messages. AppendMessage assigns the sequence number atomically with the
	// insert; sequences are unique and increasing per conversation.
	AppendMessage(ctx context.Context, userID string, conversationID uuid.UUID, msg NewMessage) (*model.ConversationMessage, error)
	ListMessages(ctx context.Context, userID string, conversationID uuid.UUID, afterSequence int64, limit int) ([]model.ConversationMessage, error)
	// PageMessages is the unscoped keyset reader used when streaming a whole
	// conversation out of the store.
	PageMessages(ctx context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]model.ConversationMessage, error)
	PageMessageDebugs(ctx context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) ([]model.ConversationMessageDebug, error)
	GetMessageDebug(ctx context.Context, userID string, conversationID, messageID uuid.UUID) (*model.ConversationMessageDebug, error)

	// Files
	CreateFileVersion(ctx context.Context, userID string, conversationID uuid.UUID, input NewFileVersion, storageFilename string) (*model.File, *model.FileVersion, error)
	GetFile(ctx context.Context, userID string, conversationID uuid.UUID, filename string) (*model.File, error)
	// GetFileVersion returns the given version, or the file's current version
	// when version is 0.
	GetFileVersion(ctx context.Context, userID string, conversationID uuid.UUID, filename string, version int) (*model.File, *model.FileVersion, error)
	PageFiles(ctx context.Context, conversationID uuid.UUID, afterFilename string, limit int) ([]model.File, error)
	ListFileVersions(ctx context.Context, fileID uuid.UUID) ([]model.FileVersion, error)

	// Participants. Add-or-reactivate upserts the row and flips it active;
	// deactivation locks the row and clears the flag, never deleting it.
	AddOrReactivateAssistantParticipant(ctx context.Context, p model.AssistantParticipant) error
	DeactivateAssistantParticipant(ctx context.Context, conversationID, assistantID uuid.UUID) error
	AddOrReactivateUserParticipant(ctx context.Context, p model.UserParticipant) error
	ListAssistantParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.AssistantParticipant, error)
	ListUserParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.UserParticipant, error)
	// ListAssistantConversations returns the conversations an assistant is an
	// active participant of.
	ListAssistantConversations(ctx context.Context, assistantID uuid.UUID) ([]model.Conversation, error)

	// Unchecked inserts used by snapshot restoration inside WithTx. IDs must
	// already be remapped; InsertMessage still assigns a fresh sequence.
	InsertAssistant(ctx context.Context, assistant model.Assistant) error
	InsertConversation(ctx context.Context, conversation model.Conversation) error
	InsertMessage(ctx context.Context, msg model.ConversationMessage) (*model.ConversationMessage, error)
	InsertMessageDebug(ctx context.Context, debug model.ConversationMessageDebug) error
	InsertFile(ctx context.Context, file model.File) error
	InsertFileVersion(ctx context.Context, version model.FileVersion) error
	InsertAssistantParticipant(ctx context.Context, p model.AssistantParticipant) error
	InsertUserParticipant(ctx context.Context, p model.UserParticipant) error

	io.Closer
}

// Loader creates a WorkbenchStore from config carried in ctx.
type Loader func(ctx context.Context) (WorkbenchStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
