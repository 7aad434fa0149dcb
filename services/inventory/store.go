package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"nodeident/pkg/db"
	pkginv "nodeident/pkg/inventory"
)

// ErrNotFound is returned when a node or archive does not exist.
var ErrNotFound = errors.New("not found")

// errReplayed rolls back a transaction for a report that was already stored.
var errReplayed = errors.New("report already recorded")

// Store holds the database handles shared by the ingestor and the API.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
}

// NewStore opens a gorm handle over pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		return nil, err
	}
	return &Store{DB: pool, ORM: orm}, nil
}

// AuditEntry describes the audit row written with a newly recorded report.
type AuditEntry struct {
	Actor   string
	Action  string
	Obj     string
	Details map[string]any
}

// PreviousSnapshot returns the snapshot of the newest report for hardwareUUID
// received no later than receivedAt, other than reportID. It returns
// pgx.ErrNoRows when the node has no such report.
func (s *Store) PreviousSnapshot(ctx context.Context, hardwareUUID string, reportID uuid.UUID, receivedAt time.Time) (map[string]any, error) {
	var raw []byte
	err := db.Get(ctx, s.DB, &raw, `
SELECT r.snapshot
FROM reports r
JOIN nodes n ON n.id = r.node_id
WHERE n.hardware_uuid = $1 AND r.id <> $2 AND r.received_at <= $3
ORDER BY r.received_at DESC
LIMIT 1
`, hardwareUUID, reportID, receivedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RecordReport inserts the report, refreshes the node and writes the audit
// entry in one transaction. The node keeps its current state when rep is
// older than the last report applied to it. recorded is false, and nothing
// is written, when a report with the same ID already exists.
func (s *Store) RecordReport(ctx context.Context, rep pkginv.Report, snapshot map[string]any, audit AuditEntry) (nodeID uuid.UUID, recorded bool, err error) {
	snapshotBytes, err := json.Marshal(snapshot)
	if err != nil {
		return uuid.Nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	err = pgx.BeginFunc(ctx, s.DB, func(tx pgx.Tx) error {
		inv := rep.Inventory
		// The no-op update makes RETURNING yield the existing row's id.
		if err := tx.QueryRow(ctx, `
INSERT INTO nodes (id, hardware_uuid, architecture, memory_kb, cpu_count, nic_count, last_report_id, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (hardware_uuid) DO UPDATE SET hardware_uuid = EXCLUDED.hardware_uuid
RETURNING id
`, uuid.New(), inv.UUID, inv.Architecture, inv.MemoryKB, len(inv.CPUs), len(inv.NICs), rep.ID, rep.ReceivedAt).Scan(&nodeID); err != nil {
			return err
		}

		var inserted uuid.UUID
		err := tx.QueryRow(ctx, `
INSERT INTO reports (id, node_id, peer_addr, snapshot, archive_key, received_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (id) DO NOTHING
RETURNING id
`, rep.ID, nodeID, rep.PeerAddr, snapshotBytes, rep.ArchiveKey, rep.ReceivedAt).Scan(&inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			return errReplayed
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
UPDATE nodes SET
	architecture = $2,
	memory_kb = $3,
	cpu_count = $4,
	nic_count = $5,
	last_report_id = $6,
	last_seen_at = $7,
	updated_at = now()
WHERE id = $1 AND last_seen_at <= $7
`, nodeID, inv.Architecture, inv.MemoryKB, len(inv.CPUs), len(inv.NICs), rep.ID, rep.ReceivedAt); err != nil {
			return err
		}

		details := make(map[string]any, len(audit.Details)+1)
		for k, v := range audit.Details {
			details[k] = v
		}
		details["node_id"] = nodeID.String()
		detailsBytes, err := json.Marshal(details)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
INSERT INTO audit (actor, action, obj, details)
VALUES ($1, $2, $3, $4::jsonb)
`, audit.Actor, audit.Action, audit.Obj, detailsBytes)
		return err
	})
	switch {
	case errors.Is(err, errReplayed):
		return nodeID, false, nil
	case err != nil:
		return uuid.Nil, false, err
	}
	return nodeID, true, nil
}

// ListNodes returns nodes ordered by hardware UUID.
func (s *Store) ListNodes(ctx context.Context, limit, offset int) ([]Node, error) {
	var models []nodeModel
	err := s.ORM.WithContext(ctx).
		Order("hardware_uuid").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(models))
	for _, m := range models {
		nodes = append(nodes, m.toAPI())
	}
	return nodes, nil
}

// GetNode returns the node with its most recent snapshot attached.
func (s *Store) GetNode(ctx context.Context, hardwareUUID string) (Node, error) {
	model, err := s.findNode(ctx, hardwareUUID)
	if err != nil {
		return Node{}, err
	}
	node := model.toAPI()

	if model.LastReportID != nil {
		var rep reportModel
		err := s.ORM.WithContext(ctx).Where("id = ?", *model.LastReportID).First(&rep).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return Node{}, err
		default:
			node.Snapshot = mapFromJSONMap(rep.Snapshot)
		}
	}
	return node, nil
}

// LatestArchiveKey returns the object key of the newest archived report.
func (s *Store) LatestArchiveKey(ctx context.Context, hardwareUUID string) (string, time.Time, error) {
	model, err := s.findNode(ctx, hardwareUUID)
	if err != nil {
		return "", time.Time{}, err
	}

	var rep reportModel
	err = s.ORM.WithContext(ctx).
		Where("node_id = ? AND archive_key <> ''", model.ID).
		Order("received_at DESC").
		First(&rep).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return rep.ArchiveKey, rep.ReceivedAt, nil
}

func (s *Store) findNode(ctx context.Context, hardwareUUID string) (nodeModel, error) {
	var model nodeModel
	err := s.ORM.WithContext(ctx).
		Where("hardware_uuid = ?", strings.TrimSpace(hardwareUUID)).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nodeModel{}, ErrNotFound
	}
	return model, err
}
