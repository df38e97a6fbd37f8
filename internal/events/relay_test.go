package events_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/db"
	"casedesk/internal/events"
	"casedesk/internal/migrate"
	"casedesk/internal/repo"
)

type fakePublisher struct {
	batches [][]kafka.Message
	err     error
}

func (f *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func newRelayEnv(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }}
	return repo.Repo{DB: conn}, w
}

func appendEvent(t *testing.T, r repo.Repo, w events.Writer, typ, entityID string) {
	t.Helper()
	actor := int64(7)
	err := r.InTx(context.Background(), func(tx *sql.Tx) error {
		return w.Append(context.Background(), tx, typ, "case", entityID, &actor, events.EventPayload{"case_id": entityID})
	})
	require.NoError(t, err)
}

func TestRelayPublishesAndAdvancesCursor(t *testing.T) {
	r, w := newRelayEnv(t)
	ctx := context.Background()
	appendEvent(t, r, w, events.AssignmentCreated, "1")
	appendEvent(t, r, w, events.AssignmentCompleted, "1")

	pub := &fakePublisher{}
	relay := events.Relay{Repo: r, Publisher: pub, Logger: zerolog.Nop()}

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.batches, 1)
	msgs := pub.batches[0]
	assert.Equal(t, "case:1", string(msgs[0].Key))

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &body))
	assert.Equal(t, events.AssignmentCreated, body["type"])
	assert.EqualValues(t, 7, body["actor_id"])

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	appendEvent(t, r, w, events.CaseNeedsManual, "2")
	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cursor, err := r.RelayCursor(ctx, "kafka")
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)
}

func TestRelayKeepsCursorOnPublishFailure(t *testing.T) {
	r, w := newRelayEnv(t)
	ctx := context.Background()
	appendEvent(t, r, w, events.AssignmentCreated, "1")

	relay := events.Relay{Repo: r, Publisher: &fakePublisher{err: errors.New("broker down")}, Logger: zerolog.Nop()}
	_, err := relay.RunOnce(ctx)
	require.Error(t, err)

	_, err = r.RelayCursor(ctx, "kafka")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	pub := &fakePublisher{}
	relay.Publisher = pub
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewKafkaWriterValidates(t *testing.T) {
	_, err := events.NewKafkaWriter(events.KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = events.NewKafkaWriter(events.KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	kw, err := events.NewKafkaWriter(events.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "casedesk.events"})
	require.NoError(t, err)
	assert.NoError(t, kw.Close())
}
