package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sync-service/internal/party"

	"github.com/stretchr/testify/assert"
)

type memorySink struct {
	mu      sync.Mutex
	records []party.EventRecord
	fail    map[string]bool
}

func (m *memorySink) Record(ctx context.Context, rec party.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[rec.ID] {
		return errors.New("sink unavailable")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.ID)
	}
	return out
}

func TestRecordQueue_DeliversAndFlushes(t *testing.T) {
	sink := &memorySink{fail: map[string]bool{"bad": true}}
	q := NewRecordQueue(sink, 16, 2)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	for _, id := range []string{"e1", "bad", "e2", "e3"} {
		assert.True(t, q.Submit(party.EventRecord{ID: id, PartyID: "p1", Type: "chat_message"}))
	}

	assert.Eventually(t, func() bool { return len(sink.ids()) == 3 }, time.Second, 10*time.Millisecond)

	assert.True(t, q.Submit(party.EventRecord{ID: "e4"}))
	cancel()
	q.Wait()

	assert.ElementsMatch(t, []string{"e1", "e2", "e3", "e4"}, sink.ids())
}

func TestRecordQueue_RefusesAfterStop(t *testing.T) {
	sink := &memorySink{}
	q := NewRecordQueue(sink, 16, 2)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	assert.True(t, q.Submit(party.EventRecord{ID: "e1"}))
	cancel()
	q.Wait()

	assert.False(t, q.Submit(party.EventRecord{ID: "late"}))
	assert.Equal(t, []string{"e1"}, sink.ids())
	assert.Empty(t, q.jobs)
}

func TestRecordQueue_DropsWhenFull(t *testing.T) {
	sink := &memorySink{}
	q := NewRecordQueue(sink, 1, 1)

	assert.True(t, q.Submit(party.EventRecord{ID: "e1"}))
	assert.False(t, q.Submit(party.EventRecord{ID: "e2"}))

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	assert.Eventually(t, func() bool { return len(sink.ids()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	q.Wait()
	assert.Equal(t, []string{"e1"}, sink.ids())
}
