package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// Relay is the part of relay.Relay the subscriber feeds.
type Relay interface {
	Ingest(ctx context.Context, applicationID, networkID uuid.UUID, payload models.Variables) (*models.Uplink, error)
	Enqueue(ctx context.Context, deviceID uuid.UUID, d *models.Downlink) (*models.Downlink, error)
}

// NATSSubscriber feeds device traffic arriving on a NATS bus into the relay:
//
//	<prefix>.ingest.<applicationId>.<networkId>  vendor uplink payload
//	<prefix>.downlink.<deviceId>                 downlink to enqueue
//
// Requests with a reply subject get {"ok": bool, "error": string}.
type NATSSubscriber struct {
	nc      *nats.Conn
	relay   Relay
	prefix  string
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewNATSSubscriber creates a subscriber. prefix defaults to "bridge".
func NewNATSSubscriber(nc *nats.Conn, relay Relay, prefix string) *NATSSubscriber {
	if prefix == "" {
		prefix = "bridge"
	}
	return &NATSSubscriber{
		nc:      nc,
		relay:   relay,
		prefix:  prefix,
		timeout: 30 * time.Second,
	}
}

// Start subscribes and blocks until ctx ends.
func (s *NATSSubscriber) Start(ctx context.Context) error {
	sub1, err := s.nc.Subscribe(s.prefix+".ingest.*.*", s.handleIngest)
	if err != nil {
		return fmt.Errorf("subscribe ingest: %w", err)
	}
	s.subs = append(s.subs, sub1)

	sub2, err := s.nc.Subscribe(s.prefix+".downlink.*", s.handleDownlink)
	if err != nil {
		return fmt.Errorf("subscribe downlink: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("prefix", s.prefix).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	return ctx.Err()
}

// handleIngest handles <prefix>.ingest.<applicationId>.<networkId>
func (s *NATSSubscriber) handleIngest(msg *nats.Msg) {
	ids, err := subjectIDs(msg.Subject, s.prefix+".ingest.", 2)
	if err != nil {
		s.reply(msg, err)
		return
	}

	var payload models.Variables
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.reply(msg, fmt.Errorf("decode uplink: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.relay.Ingest(ctx, ids[0], ids[1], payload)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Msg("NATS uplink not ingested")
	}
	s.reply(msg, err)
}

// handleDownlink handles <prefix>.downlink.<deviceId>
func (s *NATSSubscriber) handleDownlink(msg *nats.Msg) {
	ids, err := subjectIDs(msg.Subject, s.prefix+".downlink.", 1)
	if err != nil {
		s.reply(msg, err)
		return
	}

	var d models.Downlink
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		s.reply(msg, fmt.Errorf("decode downlink: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err = s.relay.Enqueue(ctx, ids[0], &d)
	if err != nil {
		log.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Msg("NATS downlink not queued")
	}
	s.reply(msg, err)
}

func (s *NATSSubscriber) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	resp := map[string]interface{}{"ok": err == nil}
	if err != nil {
		resp["error"] = err.Error()
	}
	data, _ := json.Marshal(resp)
	if rerr := msg.Respond(data); rerr != nil {
		log.Warn().Err(rerr).Str("subject", msg.Subject).Msg("Failed to reply")
	}
}

// subjectIDs parses the n uuid tokens that follow prefix.
func subjectIDs(subject, prefix string, n int) ([]uuid.UUID, error) {
	rest := strings.TrimPrefix(subject, prefix)
	parts := strings.Split(rest, ".")
	if rest == subject || len(parts) != n {
		return nil, fmt.Errorf("unexpected subject %q", subject)
	}
	ids := make([]uuid.UUID, n)
	for i, p := range parts {
		id, err := uuid.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("subject %q: %w", subject, err)
		}
		ids[i] = id
	}
	return ids, nil
}
