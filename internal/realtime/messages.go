package realtime

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"sync-service/internal/party"

	"github.com/oklog/ulid/v2"
)

// MessageType is the closed set of frames a client may send.
type MessageType string

const (
	MsgPlay              MessageType = "play"
	MsgPause             MessageType = "pause"
	MsgSeek              MessageType = "seek"
	MsgRateChange        MessageType = "rate_change"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgChat              MessageType = "chat_message"
	MsgReaction          MessageType = "reaction"
	MsgTypingStart       MessageType = "typing_start"
	MsgTypingStop        MessageType = "typing_stop"
	MsgVoiceJoin         MessageType = "voice_join"
	MsgVoiceLeave        MessageType = "voice_leave"
	MsgScreenShareStart  MessageType = "screen_share_start"
	MsgScreenShareStop   MessageType = "screen_share_stop"
	MsgRequestSync       MessageType = "request_sync"
	MsgRequestPartyState MessageType = "request_party_state"
)

// EventType is the set of frames the server emits.
type EventType string

const (
	EvtPlay             EventType = "play"
	EvtPause            EventType = "pause"
	EvtSeek             EventType = "seek"
	EvtRateChange       EventType = "rate_change"
	EvtChat             EventType = "chat_message"
	EvtReaction         EventType = "reaction"
	EvtTyping           EventType = "typing"
	EvtVoiceJoin        EventType = "voice_join"
	EvtVoiceLeave       EventType = "voice_leave"
	EvtScreenShareStart EventType = "screen_share_start"
	EvtScreenShareStop  EventType = "screen_share_stop"
	EvtSyncCorrection   EventType = "sync_correction"
	EvtSyncState        EventType = "sync_state"
	EvtPartyState       EventType = "party_state"
	EvtUserJoined       EventType = "user_joined"
	EvtUserLeft         EventType = "user_left"
	EvtError            EventType = "error"
)

const maxChatLength = 500

// inbound is the union of every client frame. Pointers tell "absent" from zero.
type inbound struct {
	Type        MessageType `json:"type"`
	CurrentTime *float64    `json:"current_time"`
	SeekTime    *float64    `json:"seek_time"`
	Rate        *float64    `json:"rate"`
	ClientTime  *float64    `json:"client_time"`
	IsPlaying   *bool       `json:"is_playing"`
	Content     *string     `json:"content"`
	Emoji       *string     `json:"emoji"`
	Duration    *float64    `json:"duration"`
	VideoID     *string     `json:"video_id"`
}

// frameFields is the closed set of message types with the fields each one reads.
var frameFields = map[MessageType][]string{
	MsgPlay:              {"current_time", "duration", "video_id"},
	MsgPause:             {"current_time", "duration", "video_id"},
	MsgSeek:              {"seek_time", "duration", "video_id"},
	MsgRateChange:        {"rate", "duration", "video_id"},
	MsgHeartbeat:         {"client_time", "is_playing"},
	MsgChat:              {"content"},
	MsgReaction:          {"emoji"},
	MsgTypingStart:       nil,
	MsgTypingStop:        nil,
	MsgVoiceJoin:         nil,
	MsgVoiceLeave:        nil,
	MsgScreenShareStart:  nil,
	MsgScreenShareStop:   nil,
	MsgRequestSync:       nil,
	MsgRequestPartyState: nil,
}

func (m *inbound) field(name string) (dst any, kind string) {
	switch name {
	case "current_time":
		return &m.CurrentTime, "a number"
	case "seek_time":
		return &m.SeekTime, "a number"
	case "rate":
		return &m.Rate, "a number"
	case "client_time":
		return &m.ClientTime, "a number"
	case "duration":
		return &m.Duration, "a number"
	case "is_playing":
		return &m.IsPlaying, "a boolean"
	case "content":
		return &m.Content, "a string"
	case "emoji":
		return &m.Emoji, "a string"
	default:
		return &m.VideoID, "a string"
	}
}

// decodeFrame parses a client frame in two steps. Only a frame that is not a
// JSON object is "Invalid JSON format"; after that the type is resolved, and
// only the fields that type reads are decoded. A field of the wrong JSON kind
// is reported by name. The returned frame is never nil.
func decodeFrame(raw []byte) (*inbound, error) {
	msg := &inbound{}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return msg, errInvalidJSON
	}

	if rawType, ok := fields["type"]; ok {
		var typ string
		if err := json.Unmarshal(rawType, &typ); err != nil {
			return msg, invalid("Unknown message type: " + string(rawType))
		}
		msg.Type = MessageType(typ)
	}
	names, known := frameFields[msg.Type]
	if !known {
		return msg, invalid("Unknown message type: " + string(msg.Type))
	}

	for _, name := range names {
		v, ok := fields[name]
		if !ok {
			continue
		}
		dst, kind := msg.field(name)
		if err := json.Unmarshal(v, dst); err != nil {
			return msg, invalid(name + " must be " + kind)
		}
	}
	return msg, nil
}

// clientError carries a message meant for the sender.
type clientError struct {
	msg string
}

func (e *clientError) Error() string {
	return e.msg
}

func invalid(msg string) error {
	return &clientError{msg: msg}
}

var (
	errInvalidJSON             = &clientError{msg: "Invalid JSON format"}
	errInsufficientPermissions = &clientError{msg: "Insufficient permissions"}
	errScreenShareActive       = &clientError{msg: "Screen share already active"}
	errNoScreenShare           = &clientError{msg: "No active screen share"}
)

func requireNonNegative(v *float64, field string) (float64, error) {
	if v == nil {
		return 0, invalid(field + " is required")
	}
	if *v < 0 {
		return 0, invalid(field + " must be non-negative")
	}
	return *v, nil
}

// control validates a playback frame into a party.Control.
func (m *inbound) control() (party.Control, error) {
	c := party.Control{
		Duration: m.Duration,
		VideoRef: m.VideoID,
	}
	var err error
	switch m.Type {
	case MsgPlay:
		c.Action = party.ActionPlay
		c.Value, err = requireNonNegative(m.CurrentTime, "current_time")
	case MsgPause:
		c.Action = party.ActionPause
		c.Value, err = requireNonNegative(m.CurrentTime, "current_time")
	case MsgSeek:
		c.Action = party.ActionSeek
		c.Value, err = requireNonNegative(m.SeekTime, "seek_time")
	case MsgRateChange:
		c.Action = party.ActionRateChange
		switch {
		case m.Rate == nil:
			err = invalid("rate is required")
		case *m.Rate <= 0:
			err = invalid("rate must be positive")
		default:
			c.Value = *m.Rate
		}
	default:
		err = invalid("Unknown message type: " + string(m.Type))
	}
	return c, err
}

func (m *inbound) chatContent() (string, error) {
	if m.Content == nil {
		return "", invalid("Message cannot be empty")
	}
	content := strings.TrimSpace(*m.Content)
	if content == "" {
		return "", invalid("Message cannot be empty")
	}
	if utf8.RuneCountInString(content) > maxChatLength {
		return "", invalid("Message too long (max 500 characters)")
	}
	return content, nil
}

// Event is an outbound frame. It is encoded flat: the payload keys sit next
// to id, type, party_id, server_timestamp and sender.
type Event struct {
	ID              string
	Type            EventType
	PartyID         string
	Sender          *party.User
	Payload         map[string]any
	ServerTimestamp time.Time
}

func newEvent(typ EventType, partyID string, sender *party.User, payload map[string]any, now time.Time) Event {
	return Event{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:            typ,
		PartyID:         partyID,
		Sender:          sender,
		Payload:         payload,
		ServerTimestamp: now,
	}
}

func errorEvent(partyID, msg string, now time.Time) Event {
	return newEvent(EvtError, partyID, nil, map[string]any{"message": msg}, now)
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["id"] = e.ID
	out["type"] = e.Type
	out["party_id"] = e.PartyID
	out["server_timestamp"] = e.ServerTimestamp.UTC().Format(time.RFC3339Nano)
	if e.Sender != nil {
		out["sender"] = e.Sender
	}
	return json.Marshal(out)
}
