package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher connects to natsURL and publishes under subject.
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("celltrip"))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
	}, nil
}

// Close drains and closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
		}
	}
}

// PublishStage publishes to <subject>.stage.<tier>.
func (n *NATSPublisher) PublishStage(ctx context.Context, event StageEvent) error {
	subject := n.subject + ".stage." + event.Tier
	if err := n.publish(subject, event); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish stage event")
		return err
	}

	n.logger.Debug().
		Str("session_id", event.SessionID).
		Str("tier", event.Tier).
		Int("rows", event.Rows).
		Str("subject", subject).
		Msg("Published stage event")
	return nil
}

// PublishBuffer publishes to <subject>.buffer.
func (n *NATSPublisher) PublishBuffer(ctx context.Context, event BufferEvent) error {
	subject := n.subject + ".buffer"
	if err := n.publish(subject, event); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish buffer event")
		return err
	}

	n.logger.Debug().
		Str("run_id", event.RunID).
		Str("event", event.Event).
		Int("records", event.Records).
		Msg("Published buffer event")
	return nil
}

func (n *NATSPublisher) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.conn.Publish(subject, data)
}
