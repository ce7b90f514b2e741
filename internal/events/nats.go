package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrEmitterClosed is returned by Emit after Close.
var ErrEmitterClosed = errors.New("events: emitter closed")

// NATSEmitter publishes events to a NATS subject hierarchy.
// Events land on "<prefix>.<type>", e.g. "crewd.workflow.stage.entered".
type NATSEmitter struct {
	conn    *nats.Conn
	subject string

	mu     sync.RWMutex
	closed bool
}

// NewNATSEmitter connects to NATS and returns an emitter publishing under
// the given subject prefix.
func NewNATSEmitter(url, subject string) (*NATSEmitter, error) {
	if subject == "" {
		return nil, errors.New("subject prefix is required")
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &NATSEmitter{conn: conn, subject: subject}, nil
}

// NewNATSEmitterWithConn wraps an existing connection (used in tests and
// when the daemon shares one connection across components).
func NewNATSEmitterWithConn(conn *nats.Conn, subject string) (*NATSEmitter, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("subject prefix is required")
	}
	return &NATSEmitter{conn: conn, subject: subject}, nil
}

// Emit publishes the event as JSON.
func (e *NATSEmitter) Emit(ctx context.Context, event Event) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEmitterClosed
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := e.subject
	if event.Type != "" {
		subject = e.subject + "." + event.Type
	}

	if err := e.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// Close flushes and closes the connection.
func (e *NATSEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.conn.Flush(); err != nil {
		e.conn.Close()
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	e.conn.Close()
	return nil
}

var _ Emitter = (*NATSEmitter)(nil)
