package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/model"
	registrystore "github.com/chirino/workbench-service/internal/registry/store"
	"github.com/chirino/workbench-service/internal/security"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registrystore.Register(registrystore.Plugin{
		Name:   "postgres",
		Loader: loader(func(cfg *config.Config) gorm.Dialector { return postgres.Open(cfg.DBURL) }),
	})
	registrystore.Register(registrystore.Plugin{
		Name:   "sqlite",
		Loader: loader(func(cfg *config.Config) gorm.Dialector { return sqlite.Open(cfg.DBURL) }),
	})
}

func loader(dialector func(cfg *config.Config) gorm.Dialector) registrystore.Loader {
	return func(ctx context.Context) (registrystore.WorkbenchStore, error) {
		cfg := config.FromContext(ctx)
		db, err := gorm.Open(dialector(cfg), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying db: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
		if security.DBPoolMaxConnections != nil {
			security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
		}

		// Periodically update the open connections gauge.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if security.DBPoolOpenConnections != nil {
						security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
					}
				}
			}
		}()

		return &GormStore{db: db, cfg: cfg}, nil
	}
}

// GormStore implements WorkbenchStore on GORM. The same implementation backs
// both the postgres and sqlite plugins; SQL stays on the portable subset.
type GormStore struct {
	db  *gorm.DB
	cfg *config.Config
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside one transaction. The nested store issues everything on
// that transaction; GORM makes inner WithTx calls join it via savepoints.
func (s *GormStore) WithTx(ctx context.Context, fn func(tx registrystore.WorkbenchStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, cfg: s.cfg})
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return true
	}
	return false
}

// --- Assistant service registrations ---

func (s *GormStore) UpsertAssistantServiceRegistration(ctx context.Context, reg model.AssistantServiceRegistration) (*model.AssistantServiceRegistration, error) {
	if reg.AssistantServiceID == "" {
		return nil, &registrystore.InvalidArgumentError{Field: "assistantServiceId", Message: "must not be empty"}
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assistant_service_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "api_url", "online"}),
		}).
		Create(&reg).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert assistant service registration: %w", err)
	}
	return &reg, nil
}

func (s *GormStore) GetAssistantServiceRegistration(ctx context.Context, assistantServiceID string) (*model.AssistantServiceRegistration, error) {
	var reg model.AssistantServiceRegistration
	if err := s.db.WithContext(ctx).Where("assistant_service_id = ?", assistantServiceID).First(&reg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "assistant service registration", ID: assistantServiceID}
		}
		return nil, err
	}
	return &reg, nil
}

func (s *GormStore) ListAssistantServiceRegistrations(ctx context.Context) ([]model.AssistantServiceRegistration, error) {
	var regs []model.AssistantServiceRegistration
	if err := s.db.WithContext(ctx).Order("assistant_service_id ASC").Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("failed to list assistant service registrations: %w", err)
	}
	return regs, nil
}

// --- Assistants ---

func (s *GormStore) CreateAssistant(ctx context.Context, assistant model.Assistant) (*model.Assistant, error) {
	if assistant.ID == uuid.Nil {
		assistant.ID = uuid.New()
	}
	if assistant.Metadata == nil {
		assistant.Metadata = map[string]interface{}{}
	}
	if assistant.CreatedAt.IsZero() {
		assistant.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&assistant).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: fmt.Sprintf("assistant %s already exists", assistant.ID)}
		}
		return nil, fmt.Errorf("failed to create assistant: %w", err)
	}
	return &assistant, nil
}

func (s *GormStore) GetAssistant(ctx context.Context, userID string, assistantID uuid.UUID) (*model.Assistant, error) {
	var assistant model.Assistant
	err := s.db.WithContext(ctx).
		Where("id = ? AND owner_user_id = ?", assistantID, userID).
		First(&assistant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "assistant", ID: assistantID.String()}
		}
		return nil, err
	}
	return &assistant, nil
}

func (s *GormStore) ListAssistants(ctx context.Context, userID string) ([]model.Assistant, error) {
	var assistants []model.Assistant
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&assistants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assistants: %w", err)
	}
	return assistants, nil
}

// FindImportedAssistant returns nil (no error) when the user has no assistant
// previously imported from originalID on the given service/template.
func (s *GormStore) FindImportedAssistant(ctx context.Context, userID string, originalID uuid.UUID, assistantServiceID, templateID string) (*model.Assistant, error) {
	var assistant model.Assistant
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND imported_from_assistant_id = ? AND assistant_service_id = ? AND template_id = ?",
			userID, originalID, assistantServiceID, templateID).
		Order("created_at ASC").
		First(&assistant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &assistant, nil
}

func (s *GormStore) GetAssistantUnchecked(ctx context.Context, assistantID uuid.UUID) (*model.Assistant, error) {
	var assistant model.Assistant
	if err := s.db.WithContext(ctx).Where("id = ?", assistantID).First(&assistant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "assistant", ID: assistantID.String()}
		}
		return nil, err
	}
	return &assistant, nil
}

func (s *GormStore) DeleteAssistantUnchecked(ctx context.Context, assistantID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("assistant_id = ?", assistantID).Delete(&model.AssistantParticipant{}).Error; err != nil {
			return fmt.Errorf("failed to delete assistant participants: %w", err)
		}
		if err := tx.Where("id = ?", assistantID).Delete(&model.Assistant{}).Error; err != nil {
			return fmt.Errorf("failed to delete assistant: %w", err)
		}
		return nil
	})
}

// --- Conversations ---

func (s *GormStore) CreateConversation(ctx context.Context, conversation model.Conversation) (*model.Conversation, error) {
	if conversation.ID == uuid.Nil {
		conversation.ID = uuid.New()
	}
	if conversation.Metadata == nil {
		conversation.Metadata = map[string]interface{}{}
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &registrystore.ConflictError{Message: fmt.Sprintf("conversation %s already exists", conversation.ID)}
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conversation, nil
}

// accessibleConversations filters to conversations the user owns or actively
// participates in.
func (s *GormStore) accessibleConversations(ctx context.Context, userID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("owner_user_id = ? OR id IN (?)", userID,
			s.db.Model(&model.UserParticipant{}).
				Select("conversation_id").
				Where("user_id = ? AND active_participant = ?", userID, true))
}

func (s *GormStore) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	var conversation model.Conversation
	err := s.accessibleConversations(ctx, userID).
		Where("id = ?", conversationID).
		First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, err
	}
	return &conversation, nil
}

func (s *GormStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	var conversations []model.Conversation
	err := s.accessibleConversations(ctx, userID).
		Order("created_at ASC, id ASC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

func (s *GormStore) ResolveConversations(ctx context.Context, userID string, conversationIDs []uuid.UUID) ([]model.Conversation, error) {
	if len(conversationIDs) == 0 {
		return nil, nil
	}
	var conversations []model.Conversation
	err := s.accessibleConversations(ctx, userID).
		Where("id IN ?", conversationIDs).
		Order("created_at ASC, id ASC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversations: %w", err)
	}
	return conversations, nil
}

func (s *GormStore) DeleteConversationUnchecked(ctx context.Context, conversationID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		messageIDs := tx.Model(&model.ConversationMessage{}).
			Select("id").
			Where("conversation_id = ?", conversationID)
		if err := tx.Where("message_id IN (?)", messageIDs).Delete(&model.ConversationMessageDebug{}).Error; err != nil {
			return fmt.Errorf("failed to delete message debugs: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.ConversationMessage{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		fileIDs := tx.Model(&model.File{}).
			Select("id").
			Where("conversation_id = ?", conversationID)
		if err := tx.Where("file_id IN (?)", fileIDs).Delete(&model.FileVersion{}).Error; err != nil {
			return fmt.Errorf("failed to delete file versions: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.File{}).Error; err != nil {
			return fmt.Errorf("failed to delete files: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.AssistantParticipant{}).Error; err != nil {
			return fmt.Errorf("failed to delete assistant participants: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.UserParticipant{}).Error; err != nil {
			return fmt.Errorf("failed to delete user participants: %w", err)
		}
		if err := tx.Where("id = ?", conversationID).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
}

// --- Messages ---

// nextSequence returns max(sequence)+1 for the conversation. Must run inside
// the same transaction as the insert that uses it.
func nextSequence(tx *gorm.DB, conversationID uuid.UUID) (int64, error) {
	var max int64
	err := tx.Model(&model.ConversationMessage{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max + 1, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, userID string, conversationID uuid.UUID, input registrystore.NewMessage) (*model.ConversationMessage, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if input.Content == "" {
		return nil, &registrystore.InvalidArgumentError{Field: "content", Message: "must not be empty"}
	}
	msg := model.ConversationMessage{
		ID:             input.ID,
		ConversationID: conversationID,
		SenderID:       input.SenderID,
		SenderRole:     input.SenderRole,
		MessageType:    input.MessageType,
		ContentType:    input.ContentType,
		Content:        input.Content,
		Metadata:       input.Metadata,
		CreatedAt:      time.Now(),
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MessageType == "" {
		msg.MessageType = "chat"
	}
	if msg.ContentType == "" {
		msg.ContentType = "text/plain"
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, conversationID)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if input.Debug != nil {
			debug := model.ConversationMessageDebug{
				ID:        uuid.New(),
				MessageID: msg.ID,
				Data:      input.Debug,
				CreatedAt: msg.CreatedAt,
			}
			if err := tx.Create(&debug).Error; err != nil {
				return fmt.Errorf("failed to create message debug: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, userID string, conversationID uuid.UUID, afterSequence int64, limit int) ([]model.ConversationMessage, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.PageMessages(ctx, conversationID, afterSequence, limit)
}

func (s *GormStore) PageMessages(ctx context.Context, conversationID uuid.UUID, afterSequence int64, limit int) ([]model.ConversationMessage, error) {
	var msgs []model.ConversationMessage
	tx := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID, afterSequence).
		Order("sequence ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	return msgs, nil
}

func (s *GormStore) PageMessageDebugs(ctx context.Context, conversationID uuid.UUID, afterID *uuid.UUID, limit int) ([]model.ConversationMessageDebug, error) {
	messageIDs := s.db.Model(&model.ConversationMessage{}).
		Select("id").
		Where("conversation_id = ?", conversationID)
	tx := s.db.WithContext(ctx).
		Where("message_id IN (?)", messageIDs).
		Order("id ASC")
	if afterID != nil {
		tx = tx.Where("id > ?", *afterID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var debugs []model.ConversationMessageDebug
	if err := tx.Find(&debugs).Error; err != nil {
		return nil, fmt.Errorf("failed to page message debugs: %w", err)
	}
	return debugs, nil
}

func (s *GormStore) GetMessageDebug(ctx context.Context, userID string, conversationID, messageID uuid.UUID) (*model.ConversationMessageDebug, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	var debug model.ConversationMessageDebug
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		First(&debug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "message debug", ID: messageID.String()}
		}
		return nil, err
	}
	return &debug, nil
}

// --- Files ---

func (s *GormStore) CreateFileVersion(ctx context.Context, userID string, conversationID uuid.UUID, input registrystore.NewFileVersion, storageFilename string) (*model.File, *model.FileVersion, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, nil, err
	}
	if input.Filename == "" {
		return nil, nil, &registrystore.InvalidArgumentError{Field: "filename", Message: "must not be empty"}
	}

	var file model.File
	var version model.FileVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		err := tx.Where("conversation_id = ? AND filename = ?", conversationID, input.Filename).First(&file).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			file = model.File{
				ID:             uuid.New(),
				ConversationID: conversationID,
				Filename:       input.Filename,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.Create(&file).Error; err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
		case err != nil:
			return err
		}

		contentType := input.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		metadata := input.Metadata
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		version = model.FileVersion{
			FileID:          file.ID,
			Version:         file.CurrentVersion + 1,
			ContentType:     contentType,
			FileSize:        input.FileSize,
			StorageFilename: storageFilename,
			Metadata:        metadata,
			CreatedAt:       now,
		}
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("failed to create file version: %w", err)
		}

		file.CurrentVersion = version.Version
		file.UpdatedAt = now
		if err := tx.Model(&model.File{}).
			Where("id = ?", file.ID).
			Updates(map[string]interface{}{"current_version": file.CurrentVersion, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("failed to update file version pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &file, &version, nil
}

func (s *GormStore) GetFile(ctx context.Context, userID string, conversationID uuid.UUID, filename string) (*model.File, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	var file model.File
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND filename = ?", conversationID, filename).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &registrystore.NotFoundError{Resource: "file", ID: filename}
		}
		return nil, err
	}
	return &file, nil
}

func (s *GormStore) GetFileVersion(ctx context.Context, userID string, conversationID uuid.UUID, filename string, versionNumber int) (*model.File, *model.FileVersion, error) {
	file, err := s.GetFile(ctx, userID, conversationID, filename)
	if err != nil {
		return nil, nil, err
	}
	if versionNumber == 0 {
		versionNumber = file.CurrentVersion
	}
	var version model.FileVersion
	err = s.db.WithContext(ctx).
		Where("file_id = ? AND version = ?", file.ID, versionNumber).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &registrystore.NotFoundError{Resource: "file version", ID: fmt.Sprintf("%s@%d", filename, versionNumber)}
		}
		return nil, nil, err
	}
	return file, &version, nil
}

func (s *GormStore) PageFiles(ctx context.Context, conversationID uuid.UUID, afterFilename string, limit int) ([]model.File, error) {
	var files []model.File
	tx := s.db.WithContext(ctx).
		Where("conversation_id = ? AND filename > ?", conversationID, afterFilename).
		Order("filename ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to page files: %w", err)
	}
	return files, nil
}

func (s *GormStore) ListFileVersions(ctx context.Context, fileID uuid.UUID) ([]model.FileVersion, error) {
	var versions []model.FileVersion
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("version ASC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list file versions: %w", err)
	}
	return versions, nil
}

// --- Participants ---

func (s *GormStore) AddOrReactivateAssistantParticipant(ctx context.Context, p model.AssistantParticipant) error {
	now := time.Now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.StatusUpdatedAt.IsZero() {
		p.StatusUpdatedAt = now
	}
	p.ActiveParticipant = true
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "assistant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "image", "status", "status_updated_at", "active_participant"}),
		}).
		Create(&p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert assistant participant: %w", err)
	}
	return nil
}

// DeactivateAssistantParticipant clears the active flag. Missing rows are a
// no-op so teardown paths stay idempotent.
func (s *GormStore) DeactivateAssistantParticipant(ctx context.Context, conversationID, assistantID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Model(&model.AssistantParticipant{}).
		Where("conversation_id = ? AND assistant_id = ?", conversationID, assistantID).
		Updates(map[string]interface{}{"active_participant": false, "status_updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to deactivate assistant participant: %w", err)
	}
	return nil
}

func (s *GormStore) AddOrReactivateUserParticipant(ctx context.Context, p model.UserParticipant) error {
	now := time.Now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.StatusUpdatedAt.IsZero() {
		p.StatusUpdatedAt = now
	}
	if p.ConversationPermission == "" {
		p.ConversationPermission = model.PermissionReadWrite
	}
	p.ActiveParticipant = true
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "image", "status", "status_updated_at", "active_participant", "conversation_permission"}),
		}).
		Create(&p).Error
	if err != nil {
		return fmt.Errorf("failed to upsert user participant: %w", err)
	}
	return nil
}

func (s *GormStore) ListAssistantParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.AssistantParticipant, error) {
	var participants []model.AssistantParticipant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, assistant_id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assistant participants: %w", err)
	}
	return participants, nil
}

func (s *GormStore) ListUserParticipants(ctx context.Context, conversationID uuid.UUID) ([]model.UserParticipant, error) {
	var participants []model.UserParticipant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Find(&participants).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list user participants: %w", err)
	}
	return participants, nil
}

func (s *GormStore) ListAssistantConversations(ctx context.Context, assistantID uuid.UUID) ([]model.Conversation, error) {
	conversationIDs := s.db.Model(&model.AssistantParticipant{}).
		Select("conversation_id").
		Where("assistant_id = ? AND active_participant = ?", assistantID, true)
	var conversations []model.Conversation
	err := s.db.WithContext(ctx).
		Where("id IN (?)", conversationIDs).
		Order("created_at ASC, id ASC").
		Find(&conversations).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list assistant conversations: %w", err)
	}
	return conversations, nil
}

// --- Unchecked inserts (snapshot restoration) ---

func (s *GormStore) InsertAssistant(ctx context.Context, assistant model.Assistant) error {
	if assistant.Metadata == nil {
		assistant.Metadata = map[string]interface{}{}
	}
	if assistant.CreatedAt.IsZero() {
		assistant.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&assistant).Error; err != nil {
		return fmt.Errorf("failed to insert assistant: %w", err)
	}
	return nil
}

func (s *GormStore) InsertConversation(ctx context.Context, conversation model.Conversation) error {
	if conversation.Metadata == nil {
		conversation.Metadata = map[string]interface{}{}
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// InsertMessage assigns a fresh sequence; any sequence on msg is ignored.
func (s *GormStore) InsertMessage(ctx context.Context, msg model.ConversationMessage) (*model.ConversationMessage, error) {
	if msg.Metadata == nil {
		msg.Metadata = map[string]interface{}{}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextSequence(tx, msg.ConversationID)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *GormStore) InsertMessageDebug(ctx context.Context, debug model.ConversationMessageDebug) error {
	if debug.ID == uuid.Nil {
		debug.ID = uuid.New()
	}
	if debug.Data == nil {
		debug.Data = map[string]interface{}{}
	}
	if debug.CreatedAt.IsZero() {
		debug.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&debug).Error; err != nil {
		return fmt.Errorf("failed to insert message debug: %w", err)
	}
	return nil
}

func (s *GormStore) InsertFile(ctx context.Context, file model.File) error {
	now := time.Now()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	if file.UpdatedAt.IsZero() {
		file.UpdatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(&file).Error; err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (s *GormStore) InsertFileVersion(ctx context.Context, version model.FileVersion) error {
	if version.Metadata == nil {
		version.Metadata = map[string]interface{}{}
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&version).Error; err != nil {
			return fmt.Errorf("failed to insert file version: %w", err)
		}
		// Keep the file's current version pointing at the highest version.
		return tx.Model(&model.File{}).
			Where("id = ? AND current_version < ?", version.FileID, version.Version).
			Updates(map[string]interface{}{"current_version": version.Version, "updated_at": time.Now()}).Error
	})
	return err
}

func (s *GormStore) InsertAssistantParticipant(ctx context.Context, p model.AssistantParticipant) error {
	now := time.Now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.StatusUpdatedAt.IsZero() {
		p.StatusUpdatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("failed to insert assistant participant: %w", err)
	}
	return nil
}

func (s *GormStore) InsertUserParticipant(ctx context.Context, p model.UserParticipant) error {
	now := time.Now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	if p.StatusUpdatedAt.IsZero() {
		p.StatusUpdatedAt = now
	}
	if p.ConversationPermission == "" {
		p.ConversationPermission = model.PermissionReadWrite
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("failed to insert user participant: %w", err)
	}
	return nil
}
