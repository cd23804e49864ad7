package gormstore

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chirino/workbench-service/internal/config"
	"github.com/chirino/workbench-service/internal/model"
	registrymigrate "github.com/chirino/workbench-service/internal/registry/migrate"
)

func init() {
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "workbench-schema" }

func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}

	var dialector gorm.Dialector
	switch cfg.DatastoreType {
	case "", "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil // some other store plugin owns migration
	}

	log.Info("Running migration", "name", m.Name(), "datastore", cfg.DatastoreType)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.AssistantServiceRegistration{},
		&model.Assistant{},
		&model.Conversation{},
		&model.ConversationMessage{},
		&model.ConversationMessageDebug{},
		&model.File{},
		&model.FileVersion{},
		&model.AssistantParticipant{},
		&model.UserParticipant{},
	); err != nil {
		return fmt.Errorf("migration: failed to apply schema: %w", err)
	}
	log.Info("Schema migration complete")
	return nil
}
