package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// PipelineConfig is one key/value entry of the configuration store.
type PipelineConfig struct {
	Key       string         `gorm:"type:text;primaryKey"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (PipelineConfig) TableName() string { return "pipeline_config" }

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&PipelineConfig{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&PipelineConfig{})
}
