package party

import (
	"errors"
	"time"
)

const (
	MinRate     = 0.25
	MaxRate     = 2.0
	DefaultRate = 1.0

	// DefaultStateTTL is how long idle party state survives in the cache.
	DefaultStateTTL = time.Hour

	RoleModerator = "moderator"
)

var (
	ErrScreenShareBusy     = errors.New("screen share already active")
	ErrScreenShareInactive = errors.New("no active screen share")
	ErrScreenShareNotOwner = errors.New("screen share owned by another user")
	ErrContention          = errors.New("too many concurrent writers")
)

// PlaybackState is the authoritative playback timeline of one party.
type PlaybackState struct {
	Position   float64   `json:"position_seconds"`
	IsPlaying  bool      `json:"is_playing"`
	Rate       float64   `json:"playback_rate"`
	LastUpdate time.Time `json:"last_update"`
	VideoRef   string    `json:"video_ref"`
	Duration   float64   `json:"duration_seconds"`
}

// DefaultState is a stopped timeline at position 0.
func DefaultState(now time.Time) PlaybackState {
	return PlaybackState{
		Rate:       DefaultRate,
		LastUpdate: now,
	}
}

type Action string

const (
	ActionPlay       Action = "play"
	ActionPause      Action = "pause"
	ActionSeek       Action = "seek"
	ActionRateChange Action = "rate_change"
)

// Control is a validated, authorized playback mutation.
// Value is current_time for play/pause, seek_time for seek and the requested rate for rate_change.
type Control struct {
	Action   Action
	Value    float64
	Duration *float64
	VideoRef *string
}

// ClampRate bounds a playback rate to [MinRate, MaxRate].
func ClampRate(rate float64) float64 {
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}

func (s PlaybackState) clampPosition(pos float64) float64 {
	if pos < 0 {
		return 0
	}
	if s.Duration > 0 && pos > s.Duration {
		return s.Duration
	}
	return pos
}

// Apply returns the state produced by c at wall-clock time now.
func (s PlaybackState) Apply(c Control, now time.Time) PlaybackState {
	next := s
	if next.Rate <= 0 {
		next.Rate = DefaultRate
	}
	if c.Duration != nil && *c.Duration >= 0 {
		next.Duration = *c.Duration
	}
	if c.VideoRef != nil {
		next.VideoRef = *c.VideoRef
	}

	switch c.Action {
	case ActionPlay:
		next.Position = c.Value
		next.IsPlaying = true
	case ActionPause:
		next.Position = c.Value
		next.IsPlaying = false
	case ActionSeek:
		next.Position = c.Value
	case ActionRateChange:
		// rebase first so the new rate only applies from now on
		next.Position = s.ExpectedPosition(now)
		next.Rate = ClampRate(c.Value)
	}

	next.Position = next.clampPosition(next.Position)
	next.LastUpdate = now
	return next
}

// ExpectedPosition extrapolates the stored position to now.
func (s PlaybackState) ExpectedPosition(now time.Time) float64 {
	if !s.IsPlaying {
		return s.Position
	}
	rate := s.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	elapsed := now.Sub(s.LastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.clampPosition(s.Position + elapsed*rate)
}

// Presence holds the ephemeral per-party facts.
type Presence struct {
	TypingUsers       []string `json:"typing_users"`
	VoiceParticipants []string `json:"voice_participants"`
	ScreenShareBy     string   `json:"screen_share_active_by,omitempty"`
}

// Snapshot is what REST/analytics collaborators poll.
type Snapshot struct {
	PartyID          string        `json:"party_id"`
	Playback         PlaybackState `json:"playback_state"`
	Presence         Presence      `json:"presence"`
	Participants     []string      `json:"participants"`
	ParticipantCount int           `json:"participant_count"`
}

// User is the sender summary attached to outbound events.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Access is the identity collaborator's verdict on a join attempt.
type Access int

const (
	AccessForbidden Access = iota
	AccessGranted
	AccessBanned
)

func (a Access) String() string {
	switch a {
	case AccessGranted:
		return "granted"
	case AccessBanned:
		return "banned"
	default:
		return "forbidden"
	}
}

// EventRecord is an event handed to the persistence collaborator.
type EventRecord struct {
	ID        string
	PartyID   string
	Type      string
	SenderID  string
	Payload   []byte
	CreatedAt time.Time
}
