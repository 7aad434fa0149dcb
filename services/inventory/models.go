package inventory

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type nodeModel struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	HardwareUUID string     `gorm:"type:text;uniqueIndex;not null"`
	Architecture string     `gorm:"type:text;not null"`
	MemoryKB     string     `gorm:"type:text;not null"`
	CPUCount     int        `gorm:"type:integer;not null"`
	NICCount     int        `gorm:"type:integer;not null"`
	LastReportID *uuid.UUID `gorm:"type:uuid"`
	LastSeenAt   time.Time  `gorm:"type:timestamptz;not null"`
	CreatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (nodeModel) TableName() string { return "nodes" }

func (m nodeModel) toAPI() Node {
	return Node{
		ID:           m.ID,
		UUID:         m.HardwareUUID,
		Architecture: m.Architecture,
		MemoryKB:     m.MemoryKB,
		CPUCount:     m.CPUCount,
		NICCount:     m.NICCount,
		LastReportID: m.LastReportID,
		LastSeenAt:   m.LastSeenAt,
		CreatedAt:    m.CreatedAt,
	}
}

type reportModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	NodeID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	PeerAddr   string            `gorm:"type:text"`
	Snapshot   datatypes.JSONMap `gorm:"type:jsonb"`
	ArchiveKey string            `gorm:"type:text"`
	ReceivedAt time.Time         `gorm:"type:timestamptz;not null"`
}

func (reportModel) TableName() string { return "reports" }

// Node is the API view of a reporting node.
type Node struct {
	ID           uuid.UUID      `json:"id"`
	UUID         string         `json:"uuid"`
	Architecture string         `json:"arch"`
	MemoryKB     string         `json:"memsize"`
	CPUCount     int            `json:"cpu_count"`
	NICCount     int            `json:"nic_count"`
	LastReportID *uuid.UUID     `json:"last_report_id,omitempty"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	CreatedAt    time.Time      `json:"created_at"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
}
