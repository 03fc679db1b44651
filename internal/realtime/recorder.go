package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"sync-service/internal/party"
)

const recordTimeout = 5 * time.Second

// EventSink is the persistence collaborator.
type EventSink interface {
	Record(ctx context.Context, rec party.EventRecord) error
}

// Recorder accepts events for persistence without waiting for them.
type Recorder interface {
	Submit(rec party.EventRecord) bool
}

// RecordQueue hands events to a sink from a fixed pool of workers.
// A full queue drops the event; persistence never slows a broadcast.
type RecordQueue struct {
	sink    EventSink
	jobs    chan party.EventRecord
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewRecordQueue(sink EventSink, size, workers int) *RecordQueue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &RecordQueue{
		sink:    sink,
		jobs:    make(chan party.EventRecord, size),
		workers: workers,
	}
}

// Submit queues rec. Once the queue stopped it refuses everything, so no
// event is left in a channel nobody reads.
func (q *RecordQueue) Submit(rec party.EventRecord) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		log.Printf("sync-service: record queue stopped, dropping %s event %s", rec.Type, rec.ID)
		return false
	}
	select {
	case q.jobs <- rec:
		return true
	default:
		log.Printf("sync-service: record queue full, dropping %s event %s", rec.Type, rec.ID)
		return false
	}
}

// Start runs the workers until ctx is done. Whatever is still queued at that
// point is flushed before the workers exit.
func (q *RecordQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					q.stop()
					q.drain()
					return
				case rec := <-q.jobs:
					q.record(context.Background(), rec)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (q *RecordQueue) Wait() {
	q.wg.Wait()
}

func (q *RecordQueue) stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *RecordQueue) drain() {
	for {
		select {
		case rec := <-q.jobs:
			q.record(context.Background(), rec)
		default:
			return
		}
	}
}

func (q *RecordQueue) record(parent context.Context, rec party.EventRecord) {
	ctx, cancel := context.WithTimeout(parent, recordTimeout)
	defer cancel()
	if err := q.sink.Record(ctx, rec); err != nil {
		log.Printf("sync-service: record %s event %s for party %s: %v", rec.Type, rec.ID, rec.PartyID, err)
	}
}
