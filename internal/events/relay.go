package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"casedesk/internal/domain"
	"casedesk/internal/repo"
)

const (
	defaultRelayBatch = 100
	defaultRelayName  = "kafka"
)

// Publisher delivers a batch of messages. kafka.Writer satisfies it.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaWriter builds a synchronous writer keyed by entity so events for the
// same case land on the same partition in order.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
	}), nil
}

// Relay forwards the event log to a Publisher, persisting its cursor after
// every delivered batch. Delivery is at-least-once.
type Relay struct {
	Repo      repo.Repo
	Publisher Publisher
	Name      string
	Batch     int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type relayMessage struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    *int64          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

// RunOnce relays one batch and returns how many events were published.
func (r Relay) RunOnce(ctx context.Context) (int, error) {
	name := r.Name
	if name == "" {
		name = defaultRelayName
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	cursor, err := r.Repo.RelayCursor(ctx, name)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, fmt.Errorf("read relay cursor: %w", err)
	}
	evts, err := r.Repo.EventsAfter(ctx, batch, cursor)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}
	if len(evts) == 0 {
		return 0, nil
	}
	msgs := make([]kafka.Message, 0, len(evts))
	for _, evt := range evts {
		msg, err := toMessage(evt)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := r.Publisher.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish events: %w", err)
	}
	last := evts[len(evts)-1].ID
	if err := r.Repo.SetRelayCursor(ctx, name, last, now().UTC().Format(time.RFC3339)); err != nil {
		return len(evts), fmt.Errorf("save relay cursor: %w", err)
	}
	r.Logger.Debug().Int("count", len(evts)).Int64("cursor", last).Msg("events relayed")
	return len(evts), nil
}

func toMessage(evt domain.Event) (kafka.Message, error) {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	body, err := json.Marshal(relayMessage{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	key := evt.EntityKind + ":" + evt.EntityID
	ts, err := time.Parse(time.RFC3339, evt.TS)
	if err != nil {
		ts = time.Time{}
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "casedesk-event", Value: []byte(evt.Type)},
			{Key: "casedesk-event-id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
			{Key: "casedesk-delivery", Value: []byte(uuid.NewString())},
		},
	}, nil
}
