package evolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// AuditPublisher receives the result of every evolution run.
type AuditPublisher interface {
	Publish(ctx context.Context, result RunResult) error
	Close() error
}

// NATSPublisher emits run results as JSON onto a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to the NATS server and publishes to subject.
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.Name("recalld-evolver"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// Publish sends the run result. Failures are returned but the evolver only
// logs them; audit loss never fails a run.
func (p *NATSPublisher) Publish(ctx context.Context, result RunResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling run result: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publishing audit event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return err
	}
	return nil
}

// NopPublisher drops audit events, for deployments without NATS.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RunResult) error { return nil }
func (NopPublisher) Close() error                             { return nil }
