// Package events publishes bridge events (sync outcomes, uplinks) to other
// services over NATS.
package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Publisher broadcasts an event under a subject.
type Publisher interface {
	Publish(subject string, v interface{}) error
}

// SyncSubject is the subject of sync outcomes of one entity.
func SyncSubject(kind models.EntityKind, id uuid.UUID) string {
	return fmt.Sprintf("sync.%s.%s", kind, id)
}

// UplinkSubject is the subject of uplinks of one application.
func UplinkSubject(applicationID uuid.UUID) string {
	return fmt.Sprintf("uplink.%s", applicationID)
}

// NATSPublisher publishes JSON events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher. prefix, when set, is prepended to
// every subject followed by a dot.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix != "" {
		prefix += "."
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish marshals v and publishes it
func (p *NATSPublisher) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.prefix+subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

// Publish does nothing
func (Nop) Publish(string, interface{}) error { return nil }

// Message is one event kept by a Recorder.
type Message struct {
	Subject string
	Value   interface{}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish records the event
func (r *Recorder) Publish(subject string, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Value: v})
	return nil
}

// Messages returns a copy of the recorded events.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
