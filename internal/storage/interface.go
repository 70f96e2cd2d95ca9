package storage

import (
	"context"

	"github.com/Oafish1/cellTRIP/internal/tensor"
)

// Record is a single experience transition for one entity.
type Record struct {
	Key           string
	State         *tensor.Tensor
	Action        *tensor.Tensor
	ActionLogProb *tensor.Tensor
	StateValue    *tensor.Tensor
	Reward        float32
	IsTerminal    bool
}

// Stats summarizes buffer contents
type Stats struct {
	Records   int            `json:"records"`
	Keys      int            `json:"keys"`
	Terminals int            `json:"terminals"`
	ByKey     map[string]int `json:"by_key"`
}

// Archive persists records before a buffer is cleared
type Archive interface {
	// ArchiveRecords stores records in order under runID
	ArchiveRecords(ctx context.Context, runID string, records []Record) error

	// Close releases the archive resources
	Close() error
}

// NoopArchive discards everything; useful for tests and when no database is configured.
type NoopArchive struct{}

// ArchiveRecords satisfies Archive.
func (NoopArchive) ArchiveRecords(context.Context, string, []Record) error { return nil }

// Close satisfies Archive.
func (NoopArchive) Close() error { return nil }
