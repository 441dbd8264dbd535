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

// Dir is the directory goose resolves the registered Go migrations against.
const Dir = "migrations"

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Entry is one record of the ordered key space. Keys are compared with the C
// collation by the store so ordering is bytewise.
type Entry struct {
	Key       string         `gorm:"type:text;primaryKey"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (Entry) TableName() string { return "kv" }

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

	if err := gormDB.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return err
	}

	// Prefix scans compare keys with COLLATE "C"; index that expression.
	return gormDB.WithContext(ctx).Exec(`CREATE INDEX IF NOT EXISTS kv_key_c_idx ON kv (key COLLATE "C")`).Error
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Entry{})
}
