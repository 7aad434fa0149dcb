package inventory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Report is one inventory as received by the collection server.
type Report struct {
	ID         uuid.UUID `json:"report_id"`
	Inventory  Inventory `json:"inventory"`
	PeerAddr   string    `json:"peer_addr"`
	ReceivedAt time.Time `json:"received_at"`
	// ArchiveKey is the object key of the archived copy, when one was stored.
	ArchiveKey string `json:"archive_key,omitempty"`
}

// NewReport stamps inv with a fresh identifier and the receive time.
func NewReport(inv Inventory, peer string, at time.Time) Report {
	return Report{
		ID:         uuid.New(),
		Inventory:  inv,
		PeerAddr:   peer,
		ReceivedAt: at.UTC(),
	}
}

// Snapshot returns the inventory as a generic JSON object, the form in which
// it is stored and diffed.
func (r Report) Snapshot() (map[string]any, error) {
	data, err := json.Marshal(r.Inventory)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
