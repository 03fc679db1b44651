package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	maxTxRetries = 8

	// DefaultInstanceLiveness is how long an instance counts as alive after
	// its last KeepAlive.
	DefaultInstanceLiveness = time.Minute

	activePartiesKey = "parties:active"
)

// stateRecord is the Redis hash layout of a PlaybackState.
type stateRecord struct {
	Position     float64 `redis:"position"`
	IsPlaying    bool    `redis:"is_playing"`
	Rate         float64 `redis:"rate"`
	LastUpdateMs int64   `redis:"last_update_ms"`
	VideoRef     string  `redis:"video_ref"`
	Duration     float64 `redis:"duration"`
}

func encodeState(s PlaybackState) map[string]any {
	return map[string]any{
		"position":       strconv.FormatFloat(s.Position, 'f', -1, 64),
		"is_playing":     strconv.FormatBool(s.IsPlaying),
		"rate":           strconv.FormatFloat(s.Rate, 'f', -1, 64),
		"last_update_ms": strconv.FormatInt(s.LastUpdate.UnixMilli(), 10),
		"video_ref":      s.VideoRef,
		"duration":       strconv.FormatFloat(s.Duration, 'f', -1, 64),
	}
}

func (r stateRecord) state() PlaybackState {
	s := PlaybackState{
		Position:   r.Position,
		IsPlaying:  r.IsPlaying,
		Rate:       r.Rate,
		LastUpdate: time.UnixMilli(r.LastUpdateMs).UTC(),
		VideoRef:   r.VideoRef,
		Duration:   r.Duration,
	}
	if s.Rate <= 0 {
		s.Rate = DefaultRate
	}
	return s
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func loadState(ctx context.Context, c hashReader, key string) (PlaybackState, bool, error) {
	cmd := c.HGetAll(ctx, key)
	if err := cmd.Err(); err != nil {
		return PlaybackState{}, false, err
	}
	if len(cmd.Val()) == 0 {
		return PlaybackState{}, false, nil
	}
	var rec stateRecord
	if err := cmd.Scan(&rec); err != nil {
		return PlaybackState{}, false, err
	}
	return rec.state(), true, nil
}

func stateKey(partyID string) string       { return "party:" + partyID + ":state" }
func typingKey(partyID string) string      { return "party:" + partyID + ":typing" }
func voiceKey(partyID string) string       { return "party:" + partyID + ":voice" }
func screenShareKey(partyID string) string { return "party:" + partyID + ":screen_share" }
func membersKey(partyID string) string     { return "party:" + partyID + ":members" }
func instanceKey(id string) string          { return "instance:" + id + ":alive" }

func partyKeys(partyID string) []string {
	return []string{
		stateKey(partyID),
		typingKey(partyID),
		voiceKey(partyID),
		screenShareKey(partyID),
		membersKey(partyID),
	}
}

// stopShareScript deletes the screen-share key when ARGV[1] owns it or ARGV[2] forces it.
// Returns 1 when deleted, 0 when nothing was active, -1 when someone else owns it.
var stopShareScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if cur == ARGV[1] or ARGV[2] == '1' then
  redis.call('DEL', KEYS[1])
  return 1
end
return -1
`)

// memberRecord is the value of one connection in the members hash.
type memberRecord struct {
	User     string `json:"user"`
	Instance string `json:"instance"`
}

func decodeMember(raw string) memberRecord {
	var m memberRecord
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return memberRecord{}
	}
	return m
}

// memberUsers returns the distinct, sorted users of raw members hash values.
func memberUsers(vals []string) []string {
	users := make([]string, 0, len(vals))
	for _, v := range vals {
		if m := decodeMember(v); m.User != "" {
			users = append(users, m.User)
		}
	}
	return distinct(users)
}

// Departure is a user whose last connection was pruned.
type Departure struct {
	UserID     string
	WasSharing bool
}

// RedisStore is the Session State Store: playback state and presence for every
// party, shared by all instances through Redis, expiring after ttl of inactivity.
// Members are tagged with the instance holding the connection, so the entries
// of an instance that died without cleanup can be pruned by the others.
type RedisStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	instance string
	liveness time.Duration
	locks    *keyLocks
}

type StoreOption func(*RedisStore)

// WithInstance sets the id members added by this store are tagged with.
func WithInstance(id string) StoreOption {
	return func(s *RedisStore) {
		if id != "" {
			s.instance = id
		}
	}
}

// WithLiveness sets how long the instance stays alive without a KeepAlive.
func WithLiveness(d time.Duration) StoreOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.liveness = d
		}
	}
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, opts ...StoreOption) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	s := &RedisStore{
		rdb:      rdb,
		ttl:      ttl,
		instance: uuid.NewString(),
		liveness: DefaultInstanceLiveness,
		locks:    newKeyLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Instance() string { return s.instance }

// Get returns the party's playback state, creating the default one if absent.
func (s *RedisStore) Get(ctx context.Context, partyID string) (PlaybackState, error) {
	st, found, err := loadState(ctx, s.rdb, stateKey(partyID))
	if err != nil {
		return PlaybackState{}, fmt.Errorf("load party %s state: %w", partyID, err)
	}
	if found {
		return st, nil
	}
	return s.update(ctx, partyID, time.Now(), nil)
}

// ApplyControl atomically applies c on top of the stored state.
func (s *RedisStore) ApplyControl(ctx context.Context, partyID string, c Control, now time.Time) (PlaybackState, error) {
	return s.update(ctx, partyID, now, func(cur PlaybackState, at time.Time) PlaybackState {
		return cur.Apply(c, at)
	})
}

// ExpectedPosition returns the extrapolated position together with the state it came from.
func (s *RedisStore) ExpectedPosition(ctx context.Context, partyID string, now time.Time) (float64, PlaybackState, error) {
	st, err := s.Get(ctx, partyID)
	if err != nil {
		return 0, PlaybackState{}, err
	}
	return st.ExpectedPosition(now), st, nil
}

// update is the single read-modify-write path. Local writers queue on the
// party's mutex; writers on other instances are detected by WATCH and retried.
// A nil fn only materialises the default state when none exists.
func (s *RedisStore) update(ctx context.Context, partyID string, now time.Time, fn func(PlaybackState, time.Time) PlaybackState) (PlaybackState, error) {
	unlock := s.locks.lock(partyID)
	defer unlock()

	// stored with millisecond precision; keep the returned state identical
	now = now.UTC().Truncate(time.Millisecond)
	key := stateKey(partyID)
	var out PlaybackState
	txf := func(tx *redis.Tx) error {
		cur, found, err := loadState(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			cur = DefaultState(now)
		}
		next := cur
		if fn != nil {
			next = fn(cur, now)
		} else if found {
			out = cur
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeState(next))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return PlaybackState{}, fmt.Errorf("update party %s state: %w", partyID, err)
	}
	return PlaybackState{}, fmt.Errorf("update party %s state: %w", partyID, ErrContention)
}

// SetTyping adds or removes userID from the typing set.
func (s *RedisStore) SetTyping(ctx context.Context, partyID, userID string, typing bool) error {
	key := typingKey(partyID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if typing {
			pipe.SAdd(ctx, key, userID)
		} else {
			pipe.SRem(ctx, key, userID)
		}
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// JoinVoice adds userID to voice chat and returns the participant count.
func (s *RedisStore) JoinVoice(ctx context.Context, partyID, userID string) (int, error) {
	return s.updateVoice(ctx, partyID, userID, true)
}

// LeaveVoice removes userID from voice chat and returns the participant count.
func (s *RedisStore) LeaveVoice(ctx context.Context, partyID, userID string) (int, error) {
	return s.updateVoice(ctx, partyID, userID, false)
}

func (s *RedisStore) updateVoice(ctx context.Context, partyID, userID string, join bool) (int, error) {
	key := voiceKey(partyID)
	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if join {
			pipe.SAdd(ctx, key, userID)
		} else {
			pipe.SRem(ctx, key, userID)
		}
		pipe.Expire(ctx, key, s.ttl)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("update voice: %w", err)
	}
	return int(card.Val()), nil
}

// StartScreenShare claims the party's single screen-share slot for userID.
// Re-claiming by the current owner succeeds.
func (s *RedisStore) StartScreenShare(ctx context.Context, partyID, userID string) error {
	key := screenShareKey(partyID)
	ok, err := s.rdb.SetNX(ctx, key, userID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("start screen share: %w", err)
	}
	if ok {
		return nil
	}
	owner, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// released between SETNX and GET
		return s.StartScreenShare(ctx, partyID, userID)
	}
	if err != nil {
		return fmt.Errorf("start screen share: %w", err)
	}
	if owner != userID {
		return ErrScreenShareBusy
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

// StopScreenShare releases the slot if userID owns it, or unconditionally when force is set.
func (s *RedisStore) StopScreenShare(ctx context.Context, partyID, userID string, force bool) error {
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	res, err := stopShareScript.Run(ctx, s.rdb, []string{screenShareKey(partyID)}, userID, forceArg).Int()
	if err != nil {
		return fmt.Errorf("stop screen share: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrScreenShareInactive
	default:
		return ErrScreenShareNotOwner
	}
}

// AddMember records a live connection and returns the distinct users now present.
func (s *RedisStore) AddMember(ctx context.Context, partyID, connID, userID string) ([]string, error) {
	key := membersKey(partyID)
	var vals *redis.StringSliceCmd
	rec, err := json.Marshal(memberRecord{User: userID, Instance: s.instance})
	if err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, connID, string(rec))
		pipe.Expire(ctx, key, s.ttl)
		pipe.SAdd(ctx, activePartiesKey, partyID)
		pipe.Set(ctx, instanceKey(s.instance), "1", s.liveness)
		vals = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	return memberUsers(vals.Val()), nil
}

// RemoveMember forgets a connection. Removing an unknown connection is a no-op.
func (s *RedisStore) RemoveMember(ctx context.Context, partyID, connID string) ([]string, error) {
	key := membersKey(partyID)
	var vals *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, connID)
		pipe.Expire(ctx, key, s.ttl)
		vals = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove member: %w", err)
	}
	return memberUsers(vals.Val()), nil
}

func (s *RedisStore) Members(ctx context.Context, partyID string) ([]string, error) {
	vals, err := s.rdb.HVals(ctx, membersKey(partyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return memberUsers(vals), nil
}

// KeepAlive refreshes this instance's liveness key. It reports true when the
// key had lapsed, in which case other instances may already have pruned this
// instance's members and the caller should add its connections again.
func (s *RedisStore) KeepAlive(ctx context.Context) (bool, error) {
	key := instanceKey(s.instance)
	created, err := s.rdb.SetNX(ctx, key, "1", s.liveness).Result()
	if err != nil {
		return false, fmt.Errorf("keep alive: %w", err)
	}
	if created {
		return true, nil
	}
	if err := s.rdb.Expire(ctx, key, s.liveness).Err(); err != nil {
		return false, fmt.Errorf("keep alive: %w", err)
	}
	return false, nil
}

// ActiveParties lists the parties that had members added on any instance.
func (s *RedisStore) ActiveParties(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activePartiesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active parties: %w", err)
	}
	return sorted(ids), nil
}

// Prune removes the connections held by instances that are no longer alive,
// clears the presence of users left without any connection, and returns those
// users together with the users still present. A party without members is
// dropped from the active set.
func (s *RedisStore) Prune(ctx context.Context, partyID string) ([]Departure, []string, error) {
	key := membersKey(partyID)
	entries, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("prune party %s: %w", partyID, err)
	}
	if len(entries) == 0 {
		if err := s.rdb.SRem(ctx, activePartiesKey, partyID).Err(); err != nil {
			return nil, nil, fmt.Errorf("prune party %s: %w", partyID, err)
		}
		return nil, nil, nil
	}

	alive := map[string]bool{s.instance: true}
	gone := map[string]struct{}{}
	for connID, raw := range entries {
		m := decodeMember(raw)
		ok, checked := alive[m.Instance]
		if !checked && m.Instance != "" {
			n, err := s.rdb.Exists(ctx, instanceKey(m.Instance)).Result()
			if err != nil {
				return nil, nil, fmt.Errorf("prune party %s: %w", partyID, err)
			}
			ok = n == 1
			alive[m.Instance] = ok
		}
		if ok {
			continue
		}
		// only the instance whose HDEL removed the entry reports it
		removed, err := s.rdb.HDel(ctx, key, connID).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("prune party %s: %w", partyID, err)
		}
		if removed == 1 && m.User != "" {
			gone[m.User] = struct{}{}
		}
	}

	remaining, err := s.Members(ctx, partyID)
	if err != nil {
		return nil, nil, err
	}

	users := make([]string, 0, len(gone))
	for u := range gone {
		users = append(users, u)
	}
	sort.Strings(users)

	var departed []Departure
	for _, u := range users {
		if containsString(remaining, u) {
			continue
		}
		wasSharing, err := s.ClearUser(ctx, partyID, u)
		if err != nil {
			return departed, remaining, err
		}
		departed = append(departed, Departure{UserID: u, WasSharing: wasSharing})
	}
	return departed, remaining, nil
}

// ClearUser drops userID from every presence set. It reports whether the user
// was screen sharing, so the caller can announce the stop.
func (s *RedisStore) ClearUser(ctx context.Context, partyID, userID string) (bool, error) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, typingKey(partyID), userID)
		pipe.SRem(ctx, voiceKey(partyID), userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("clear presence: %w", err)
	}

	err = s.StopScreenShare(ctx, partyID, userID, false)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrScreenShareInactive), errors.Is(err, ErrScreenShareNotOwner):
		return false, nil
	default:
		return false, err
	}
}

func (s *RedisStore) Presence(ctx context.Context, partyID string) (Presence, error) {
	var typing, voice *redis.StringSliceCmd
	var share *redis.StringCmd
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		typing = pipe.SMembers(ctx, typingKey(partyID))
		voice = pipe.SMembers(ctx, voiceKey(partyID))
		share = pipe.Get(ctx, screenShareKey(partyID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Presence{}, fmt.Errorf("load presence: %w", err)
	}

	p := Presence{
		TypingUsers:       sorted(typing.Val()),
		VoiceParticipants: sorted(voice.Val()),
	}
	if share.Err() == nil {
		p.ScreenShareBy = share.Val()
	}
	return p, nil
}

// Snapshot reads state and presence without creating anything.
func (s *RedisStore) Snapshot(ctx context.Context, partyID string) (Snapshot, error) {
	st, found, err := loadState(ctx, s.rdb, stateKey(partyID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("load party %s state: %w", partyID, err)
	}
	if !found {
		st = DefaultState(time.Now())
	}

	presence, err := s.Presence(ctx, partyID)
	if err != nil {
		return Snapshot{}, err
	}
	members, err := s.Members(ctx, partyID)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		PartyID:          partyID,
		Playback:         st,
		Presence:         presence,
		Participants:     members,
		ParticipantCount: len(members),
	}, nil
}

// Touch extends the TTL of every key of a party that still has live connections.
func (s *RedisStore) Touch(ctx context.Context, partyID string) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range partyKeys(partyID) {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch party %s: %w", partyID, err)
	}
	return nil
}

func distinct(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func sorted(vals []string) []string {
	out := append([]string{}, vals...)
	sort.Strings(out)
	return out
}
