package hostbrowser

import (
	"context"
	"fmt"
	"io"
	"log"

	"nodeident/pkg/bus"
	pkginv "nodeident/pkg/inventory"
)

// Publisher is the subset of *bus.Bus the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Pipeline hands a received report to the archive and then the bus. Either
// stage may be absent.
type Pipeline struct {
	archiver  *Archiver
	publisher Publisher
	logger    *log.Logger
}

// NewPipeline builds a delivery pipeline. archiver and publisher may be nil.
func NewPipeline(archiver *Archiver, publisher Publisher, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{archiver: archiver, publisher: publisher, logger: logger}
}

// Deliver archives rep, records the object key on it and publishes it.
func (p *Pipeline) Deliver(ctx context.Context, rep *pkginv.Report) error {
	if p.archiver != nil {
		key, err := p.archiver.Archive(ctx, *rep)
		if err != nil {
			return fmt.Errorf("archive report %s: %w", rep.ID, err)
		}
		rep.ArchiveKey = key
		p.logger.Printf("DEBUG archived report %s as %s", rep.ID, key)
	}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, bus.SubjectInventoryReported, rep); err != nil {
			return fmt.Errorf("publish report %s: %w", rep.ID, err)
		}
	}
	return nil
}
