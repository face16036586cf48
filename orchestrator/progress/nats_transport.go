package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSTransport publishes progress Events as JSON to a NATS subject, one
// subject per request so multiple in-flight ExecutionRequests can share a
// single connection without cross-talk. This mirrors the subject-per-stream
// convention used by the reference repository's NATS-backed event
// publishing (C360Studio-semspec's processor components).
type NATSTransport struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTransport builds a Transport that publishes to subject on conn.
// The caller owns the connection's lifecycle (Close/Drain).
func NewNATSTransport(conn *nats.Conn, subject string) *NATSTransport {
	return &NATSTransport{conn: conn, subject: subject}
}

// Send implements Transport.
func (t *NATSTransport) Send(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := t.conn.Publish(t.subject, payload); err != nil {
		return fmt.Errorf("publish progress event to %q: %w", t.subject, err)
	}
	return nil
}
