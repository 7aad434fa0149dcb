package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"nodeident/pkg/bus"
	pkginv "nodeident/pkg/inventory"
)

const (
	ingestDurable = "inventory-reports"
	auditActor    = "host-browser"
	auditAction   = "inventory_reported"
)

type reportWriter interface {
	PreviousSnapshot(ctx context.Context, hardwareUUID string, reportID uuid.UUID, receivedAt time.Time) (map[string]any, error)
	RecordReport(ctx context.Context, rep pkginv.Report, snapshot map[string]any, audit AuditEntry) (uuid.UUID, bool, error)
}

type subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Ingestor consumes inventory reports from the bus and records them, writing
// an audit entry that describes what changed since the node's last report.
type Ingestor struct {
	store  reportWriter
	bus    subscriber
	logger *log.Logger

	subMu sync.Mutex
	sub   io.Closer
}

// NewIngestor constructs an Ingestor for the provided dependencies.
func NewIngestor(store *Store, b *bus.Bus, logger *log.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return newIngestor(store, b, logger), nil
}

func newIngestor(store reportWriter, sub subscriber, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Ingestor{store: store, bus: sub, logger: logger}
}

// Start subscribes to inventory reports and processes them until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	handler := func(msgCtx context.Context, data []byte) error {
		if err := i.handleReport(msgCtx, data); err != nil {
			i.logger.Printf("ERROR ingest report: %v", err)
			return err
		}
		return nil
	}

	sub, err := i.bus.Subscribe(ctx, bus.SubjectInventoryReported, ingestDurable, handler)
	if err != nil {
		return err
	}

	i.subMu.Lock()
	i.sub = sub
	i.subMu.Unlock()

	return nil
}

// Close stops the underlying subscription if it was created.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subMu.Lock()
	defer i.subMu.Unlock()

	if i.sub == nil {
		return nil
	}
	err := i.sub.Close()
	i.sub = nil
	return err
}

func (i *Ingestor) handleReport(ctx context.Context, data []byte) error {
	var rep pkginv.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return err
	}
	if rep.ID == uuid.Nil {
		return errors.New("report_id missing from event")
	}
	if err := rep.Inventory.Validate(); err != nil {
		return fmt.Errorf("report %s: %w", rep.ID, err)
	}
	if rep.ReceivedAt.IsZero() {
		rep.ReceivedAt = time.Now().UTC()
	}

	snapshot, err := rep.Snapshot()
	if err != nil {
		return err
	}

	previous, err := i.store.PreviousSnapshot(ctx, rep.Inventory.UUID, rep.ID, rep.ReceivedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	audit := AuditEntry{
		Actor:  auditActor,
		Action: auditAction,
		Obj:    rep.Inventory.UUID,
		Details: map[string]any{
			"report_id": rep.ID.String(),
			"peer_addr": rep.PeerAddr,
			"changes":   computeDiff(previous, snapshot),
		},
	}
	_, recorded, err := i.store.RecordReport(ctx, rep, snapshot, audit)
	if err != nil {
		return err
	}
	if !recorded {
		i.logger.Printf("INFO report %s for node %s already recorded", rep.ID, rep.Inventory.UUID)
		return nil
	}

	i.logger.Printf("INFO recorded report %s for node %s", rep.ID, rep.Inventory.UUID)
	return nil
}

func computeDiff(previous, current map[string]any) map[string]map[string]any {
	if previous == nil {
		previous = map[string]any{}
	}
	if current == nil {
		current = map[string]any{}
	}

	diff := make(map[string]map[string]any)

	for key, prevVal := range previous {
		curVal, ok := current[key]
		if !ok {
			diff[key] = map[string]any{"old": prevVal, "new": nil}
			continue
		}
		if !reflect.DeepEqual(prevVal, curVal) {
			diff[key] = map[string]any{"old": prevVal, "new": curVal}
		}
	}

	for key, curVal := range current {
		if _, seen := previous[key]; seen {
			continue
		}
		diff[key] = map[string]any{"old": nil, "new": curVal}
	}

	return diff
}
