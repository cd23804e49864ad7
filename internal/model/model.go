package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationPermission is the permission level a user participant holds on a conversation.
type ConversationPermission string

const (
	PermissionReadWrite ConversationPermission = "read_write"
	PermissionRead      ConversationPermission = "read"
)

// AssistantServiceRegistration identifies an external assistant runtime that
// assistants are hosted on. The APIURL is the base URL used by the runtime client.
type AssistantServiceRegistration struct {
	AssistantServiceID string    `json:"assistantServiceId" gorm:"primaryKey"`
	Name               string    `json:"name"               gorm:"not null"`
	APIURL             string    `json:"apiUrl"             gorm:"not null"`
	Online             bool      `json:"online"             gorm:"not null;default:false"`
	CreatedAt          time.Time `json:"createdAt"          gorm:"not null"`
}

func (AssistantServiceRegistration) TableName() string { return "assistant_service_registrations" }

// Assistant is a registered assistant owned by a user. The row only becomes
// durable after the external runtime has acknowledged creation.
type Assistant struct {
	ID                      uuid.UUID              `json:"id"                                gorm:"primaryKey;type:uuid"`
	OwnerUserID             string                 `json:"ownerUserId"                       gorm:"not null"`
	Name                    string                 `json:"name"                              gorm:"not null"`
	Image                   *string                `json:"image,omitempty"`
	Metadata                map[string]interface{} `json:"metadata"                          gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	AssistantServiceID      string                 `json:"assistantServiceId"                gorm:"not null"`
	TemplateID              string                 `json:"templateId"                        gorm:"not null;default:'default'"`
	ImportedFromAssistantID *uuid.UUID             `json:"importedFromAssistantId,omitempty" gorm:"type:uuid"`
	CreatedAt               time.Time              `json:"createdAt"                         gorm:"not null"`
}

func (Assistant) TableName() string { return "assistants" }

// Conversation owns messages, files, and participants.
type Conversation struct {
	ID                         uuid.UUID              `json:"id"                                   gorm:"primaryKey;type:uuid"`
	OwnerUserID                string                 `json:"ownerUserId"                          gorm:"not null"`
	Title                      string                 `json:"title"                                gorm:"not null"`
	Metadata                   map[string]interface{} `json:"metadata"                             gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	ImportedFromConversationID *uuid.UUID             `json:"importedFromConversationId,omitempty" gorm:"type:uuid"`
	CreatedAt                  time.Time              `json:"createdAt"                            gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMessage is a single message. Sequence is assigned by the store on
// insert and is unique and increasing within a conversation; it is never copied
// across conversations.
type ConversationMessage struct {
	ID             uuid.UUID              `json:"id"             gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID              `json:"conversationId" gorm:"not null;type:uuid;uniqueIndex:idx_messages_conversation_sequence,priority:1"`
	Sequence       int64                  `json:"sequence"       gorm:"not null;uniqueIndex:idx_messages_conversation_sequence,priority:2"`
	SenderID       string                 `json:"senderId"       gorm:"not null"`
	SenderRole     string                 `json:"senderRole"     gorm:"not null"`
	MessageType    string                 `json:"messageType"    gorm:"not null;default:'chat'"`
	ContentType    string                 `json:"contentType"    gorm:"not null;default:'text/plain'"`
	Content        string                 `json:"content"        gorm:"not null"`
	Metadata       map[string]interface{} `json:"metadata"       gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	CreatedAt      time.Time              `json:"createdAt"      gorm:"not null"`
}

func (ConversationMessage) TableName() string { return "conversation_messages" }

// ConversationMessageDebug is an optional diagnostic payload attached to a message.
type ConversationMessageDebug struct {
	ID        uuid.UUID              `json:"id"        gorm:"primaryKey;type:uuid"`
	MessageID uuid.UUID              `json:"messageId" gorm:"not null;type:uuid;index"`
	Data      map[string]interface{} `json:"data"      gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	CreatedAt time.Time              `json:"createdAt" gorm:"not null"`
}

func (ConversationMessageDebug) TableName() string { return "conversation_message_debugs" }

// File is a named attachment scoped to one conversation. CurrentVersion tracks
// the highest FileVersion.Version under this file.
type File struct {
	ID             uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID `json:"conversationId" gorm:"not null;type:uuid;uniqueIndex:idx_files_conversation_filename,priority:1"`
	Filename       string    `json:"filename"       gorm:"not null;uniqueIndex:idx_files_conversation_filename,priority:2"`
	CurrentVersion int       `json:"currentVersion" gorm:"not null;default:0"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
	UpdatedAt      time.Time `json:"updatedAt"      gorm:"not null"`
}

func (File) TableName() string { return "files" }

// FileVersion is one immutable version of a File. Version numbers are strictly
// increasing per file and never reused. StorageFilename is the name of the blob
// under the conversation's namespace in the file storage.
type FileVersion struct {
	FileID          uuid.UUID              `json:"fileId"          gorm:"primaryKey;type:uuid"`
	Version         int                    `json:"version"         gorm:"primaryKey;autoIncrement:false"`
	ContentType     string                 `json:"contentType"     gorm:"not null;default:'application/octet-stream'"`
	FileSize        int64                  `json:"fileSize"        gorm:"not null;default:0"`
	StorageFilename string                 `json:"storageFilename" gorm:"not null"`
	Metadata        map[string]interface{} `json:"metadata"        gorm:"type:jsonb;serializer:json;not null;default:'{}'"`
	CreatedAt       time.Time              `json:"createdAt"       gorm:"not null"`
}

func (FileVersion) TableName() string { return "file_versions" }

// AssistantParticipant links an assistant to a conversation. ActiveParticipant
// is a soft-state flag: inactive rows are retained for history, never deleted.
type AssistantParticipant struct {
	ConversationID    uuid.UUID `json:"conversationId"  gorm:"primaryKey;type:uuid"`
	AssistantID       uuid.UUID `json:"assistantId"     gorm:"primaryKey;type:uuid"`
	Name              string    `json:"name"            gorm:"not null"`
	Image             *string   `json:"image,omitempty"`
	Status            *string   `json:"status,omitempty"`
	StatusUpdatedAt   time.Time `json:"statusUpdatedAt" gorm:"not null"`
	JoinedAt          time.Time `json:"joinedAt"        gorm:"not null"`
	ActiveParticipant bool      `json:"activeParticipant" gorm:"not null;default:true"`
}

func (AssistantParticipant) TableName() string { return "assistant_participants" }

// UserParticipant links a user to a conversation, with the same soft-state
// ActiveParticipant flag as AssistantParticipant.
type UserParticipant struct {
	ConversationID         uuid.UUID              `json:"conversationId"  gorm:"primaryKey;type:uuid"`
	UserID                 string                 `json:"userId"          gorm:"primaryKey"`
	Name                   string                 `json:"name"            gorm:"not null"`
	Image                  *string                `json:"image,omitempty"`
	ServiceUser            bool                   `json:"serviceUser"     gorm:"not null;default:false"`
	Status                 *string                `json:"status,omitempty"`
	StatusUpdatedAt        time.Time              `json:"statusUpdatedAt" gorm:"not null"`
	JoinedAt               time.Time              `json:"joinedAt"        gorm:"not null"`
	ActiveParticipant      bool                   `json:"activeParticipant" gorm:"not null;default:true"`
	ConversationPermission ConversationPermission `json:"conversationPermission" gorm:"not null;default:'read_write'"`
}

func (UserParticipant) TableName() string { return "user_participants" }
