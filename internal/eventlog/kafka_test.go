package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sync-service/internal/party"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaStream_Record(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaStream{writer: w, topic: "party.events"}
	at := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	err := k.Record(context.Background(), party.EventRecord{
		ID:        "01HZX",
		PartyID:   "p1",
		Type:      "reaction",
		SenderID:  "bob",
		Payload:   []byte(`{"emoji":"🔥"}`),
		CreatedAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "party.events", msg.Topic)
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, at, msg.Time)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "reaction", body["type"])
	assert.Equal(t, "bob", body["sender_id"])
	assert.Equal(t, map[string]any{"emoji": "🔥"}, body["payload"])
}

func TestKafkaStream_WriteError(t *testing.T) {
	k := &KafkaStream{writer: &fakeWriter{err: errors.New("no brokers")}, topic: "t"}
	err := k.Record(context.Background(), party.EventRecord{ID: "x", PartyID: "p1"})
	assert.ErrorContains(t, err, "no brokers")
}

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Record(ctx context.Context, rec party.EventRecord) error {
	c.n++
	return c.err
}

func TestMulti(t *testing.T) {
	failing := &countingSink{err: errors.New("down")}
	ok := &countingSink{}

	err := Multi{failing, ok}.Record(context.Background(), party.EventRecord{ID: "e1"})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, failing.n)
	assert.Equal(t, 1, ok.n)
}
