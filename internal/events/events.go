package events

import "context"

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishStage(ctx context.Context, payload StageEvent) error
	PublishBuffer(ctx context.Context, payload BufferEvent) error
}

// StageEvent is emitted every time a sampler tier is staged.
type StageEvent struct {
	SessionID string `json:"session_id"`
	Tier      string `json:"tier"`
	Rows      int    `json:"rows"`
	Device    string `json:"device,omitempty"`
	Round     int    `json:"round"`
}

// BufferEvent tracks changes to the replay buffer.
type BufferEvent struct {
	RunID   string `json:"run_id"`
	Event   string `json:"event"`
	Records int    `json:"records"`
}

// Buffer event names.
const (
	BufferRecorded = "recorded"
	BufferCleared  = "cleared"
)

// NoopPublisher publishes nothing; useful for tests.
type NoopPublisher struct{}

// PublishStage satisfies Publisher.
func (NoopPublisher) PublishStage(context.Context, StageEvent) error { return nil }

// PublishBuffer satisfies Publisher.
func (NoopPublisher) PublishBuffer(context.Context, BufferEvent) error { return nil }
