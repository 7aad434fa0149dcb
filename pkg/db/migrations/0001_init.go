package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
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

type Node struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	HardwareUUID string     `gorm:"type:text;uniqueIndex;not null"`
	Architecture string     `gorm:"type:text;not null"`
	MemoryKB     string     `gorm:"type:text;not null"`
	CPUCount     int        `gorm:"type:integer;not null;default:0"`
	NICCount     int        `gorm:"type:integer;not null;default:0"`
	LastReportID *uuid.UUID `gorm:"type:uuid"`
	LastSeenAt   time.Time  `gorm:"type:timestamptz;not null"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Report struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	NodeID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	PeerAddr   string            `gorm:"type:text"`
	Snapshot   datatypes.JSONMap `gorm:"type:jsonb"`
	ArchiveKey string            `gorm:"type:text"`
	ReceivedAt time.Time         `gorm:"type:timestamptz;not null"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Node       Node              `gorm:"foreignKey:NodeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

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

	if err := gormDB.WithContext(ctx).AutoMigrate(&Node{}, &Report{}, &Audit{}); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&Report{}, "Node")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Audit{}, &Report{}, &Node{})
}
