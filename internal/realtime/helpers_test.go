package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"sync-service/internal/party"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu        sync.Mutex
	hosts     map[string]string
	roles     map[string]string
	banned    map[string]bool
	forbidden map[string]bool
	err       error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		hosts:     map[string]string{},
		roles:     map[string]string{},
		banned:    map[string]bool{},
		forbidden: map[string]bool{},
	}
}

func (f *fakeDirectory) setHost(partyID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[partyID] = userID
}

func (f *fakeDirectory) setRole(partyID, userID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[partyID+"|"+userID] = role
}

func (f *fakeDirectory) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDirectory) Authorize(ctx context.Context, partyID, userID string) (party.Access, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return party.AccessForbidden, f.err
	}
	if f.banned[userID] {
		return party.AccessBanned, nil
	}
	if f.forbidden[userID] {
		return party.AccessForbidden, nil
	}
	return party.AccessGranted, nil
}

func (f *fakeDirectory) IsHost(ctx context.Context, partyID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.hosts[partyID] == userID, nil
}

func (f *fakeDirectory) Role(ctx context.Context, partyID, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.roles[partyID+"|"+userID], nil
}

func (f *fakeDirectory) User(ctx context.Context, userID string) (party.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return party.User{}, f.err
	}
	return party.User{ID: userID, Username: userID, DisplayName: "User " + userID}, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	records []party.EventRecord
}

func (r *captureRecorder) Submit(rec party.EventRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return true
}

func (r *captureRecorder) all() []party.EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]party.EventRecord(nil), r.records...)
}

// harness wires a dispatcher to miniredis with socketless clients whose
// outgoing frames are read straight from their send queue.
type harness struct {
	t     *testing.T
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *party.RedisStore
	dir   *fakeDirectory
	hub   *Hub
	b     *Broadcaster
	d     *Dispatcher
	rec   *captureRecorder
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		t:     t,
		mr:    mr,
		rdb:   rdb,
		store: party.NewRedisStore(rdb, time.Hour),
		dir:   newFakeDirectory(),
		hub:   NewHub(),
		rec:   &captureRecorder{},
		now:   time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	}
	h.b = NewBroadcaster(h.hub, nil, "test")
	h.d = NewDispatcher(h.store, h.dir, h.b, h.rec, 0)
	h.d.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) join(partyID, userID string) *Client {
	h.t.Helper()
	c := newClient(nil, partyID, h.now)
	c.user = party.User{ID: userID, Username: userID}
	c.setState(StateActive)
	_, err := h.store.AddMember(context.Background(), partyID, c.id, userID)
	require.NoError(h.t, err)
	h.hub.Register(c)
	return c
}

func (h *harness) send(c *Client, frame string) {
	h.d.Dispatch(context.Background(), c, []byte(frame))
}

func (h *harness) state(partyID string) party.PlaybackState {
	h.t.Helper()
	st, err := h.store.Get(context.Background(), partyID)
	require.NoError(h.t, err)
	return st
}

// next pops the next queued frame of c, failing if there is none.
func next(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	default:
		t.Fatalf("expected a frame for %s, got none", c.user.ID)
		return nil
	}
}

// nextWithin waits for a frame that may arrive from another goroutine.
func nextWithin(t *testing.T, c *Client, d time.Duration) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(d):
		t.Fatalf("timed out waiting for a frame for %s", c.user.ID)
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.user.ID, data)
	default:
	}
}

func expectError(t *testing.T, c *Client, msg string) {
	t.Helper()
	ev := next(t, c)
	require.Equal(t, "error", ev["type"])
	require.Equal(t, msg, ev["message"])
}

var errDirectoryDown = errors.New("directory unavailable")
