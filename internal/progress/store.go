// Package progress persists resumable discovery checkpoints.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for an id.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is a resumable snapshot of a discovery session. Completed
// items only ever grow unless Replace is set; Cursor is opaque to the store.
type Checkpoint struct {
	SessionID      string             `json:"sessionId"`
	CompletedItems []string           `json:"completedItems"`
	CumulativeCost map[string]float64 `json:"cumulativeCost"`
	Cursor         json.RawMessage    `json:"cursor,omitempty"`
	Status         string             `json:"status,omitempty"`
	UpdatedAt      time.Time          `json:"updatedAt"`
	// Replace discards previously stored completed items before saving
	// these. A forced restart sets it on its first save.
	Replace bool `json:"-"`
}

// Summary describes a stored checkpoint without its cursor.
type Summary struct {
	ID             string
	Status         string
	CompletedItems int
	TotalCost      float64
	UpdatedAt      time.Time
}

// Store saves and loads checkpoints. Saving the same session again replaces
// its checkpoint and returns the same id.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) (string, error)
	Load(ctx context.Context, id string) (*Checkpoint, error)
	List(ctx context.Context) ([]Summary, error)
}

func validate(cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if cp.SessionID == "" {
		return fmt.Errorf("checkpoint has no session id")
	}
	if len(cp.Cursor) > 0 && !json.Valid(cp.Cursor) {
		return fmt.Errorf("checkpoint cursor is not valid JSON")
	}
	return nil
}

func summarize(cp *Checkpoint) Summary {
	total := 0.0
	for _, v := range cp.CumulativeCost {
		total += v
	}
	return Summary{
		ID:             cp.SessionID,
		Status:         cp.Status,
		CompletedItems: len(cp.CompletedItems),
		TotalCost:      total,
		UpdatedAt:      cp.UpdatedAt,
	}
}
