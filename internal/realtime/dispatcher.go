package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"sync-service/internal/party"
)

// SessionStore is the shared party state the realtime layer reads and writes.
type SessionStore interface {
	Get(ctx context.Context, partyID string) (party.PlaybackState, error)
	ApplyControl(ctx context.Context, partyID string, c party.Control, now time.Time) (party.PlaybackState, error)
	SetTyping(ctx context.Context, partyID, userID string, typing bool) error
	JoinVoice(ctx context.Context, partyID, userID string) (int, error)
	LeaveVoice(ctx context.Context, partyID, userID string) (int, error)
	StartScreenShare(ctx context.Context, partyID, userID string) error
	StopScreenShare(ctx context.Context, partyID, userID string, force bool) error
	AddMember(ctx context.Context, partyID, connID, userID string) ([]string, error)
	RemoveMember(ctx context.Context, partyID, connID string) ([]string, error)
	ClearUser(ctx context.Context, partyID, userID string) (bool, error)
	Snapshot(ctx context.Context, partyID string) (party.Snapshot, error)
	Touch(ctx context.Context, partyID string) error
	KeepAlive(ctx context.Context) (bool, error)
	ActiveParties(ctx context.Context) ([]string, error)
	Prune(ctx context.Context, partyID string) ([]party.Departure, []string, error)
}

// Directory is the identity collaborator.
type Directory interface {
	Authorize(ctx context.Context, partyID, userID string) (party.Access, error)
	IsHost(ctx context.Context, partyID, userID string) (bool, error)
	Role(ctx context.Context, partyID, userID string) (string, error)
	User(ctx context.Context, userID string) (party.User, error)
}

// Dispatcher decodes client frames and runs the matching handler.
// Frames of one connection are dispatched one after another.
type Dispatcher struct {
	store       SessionStore
	directory   Directory
	arbiter     *party.Arbiter
	reconciler  *party.Reconciler
	broadcaster *Broadcaster
	recorder    Recorder
	now         func() time.Time
}

func NewDispatcher(store SessionStore, directory Directory, broadcaster *Broadcaster, recorder Recorder, driftTolerance float64) *Dispatcher {
	return &Dispatcher{
		store:       store,
		directory:   directory,
		arbiter:     party.NewArbiter(directory),
		reconciler:  party.NewReconciler(driftTolerance),
		broadcaster: broadcaster,
		recorder:    recorder,
		now:         time.Now,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, c *Client, raw []byte) {
	msg, err := decodeFrame(raw)
	if err == nil {
		err = d.route(ctx, c, msg)
	}
	if err != nil {
		var ce *clientError
		if errors.As(err, &ce) {
			d.sendError(c, ce.msg)
			return
		}
		log.Printf("sync-service: %s from %s in party %s: %v", msg.Type, c.user.ID, c.partyID, err)
		d.sendError(c, "Internal server error")
		return
	}
	c.touch(d.now())
}

func (d *Dispatcher) route(ctx context.Context, c *Client, msg *inbound) error {
	switch msg.Type {
	case MsgPlay, MsgPause, MsgSeek, MsgRateChange:
		return d.handleControl(ctx, c, msg)
	case MsgHeartbeat:
		return d.handleHeartbeat(ctx, c, msg)
	case MsgChat:
		return d.handleChat(ctx, c, msg)
	case MsgReaction:
		return d.handleReaction(ctx, c, msg)
	case MsgTypingStart:
		return d.handleTyping(ctx, c, true)
	case MsgTypingStop:
		return d.handleTyping(ctx, c, false)
	case MsgVoiceJoin:
		return d.handleVoice(ctx, c, true)
	case MsgVoiceLeave:
		return d.handleVoice(ctx, c, false)
	case MsgScreenShareStart:
		return d.handleScreenShareStart(ctx, c)
	case MsgScreenShareStop:
		return d.handleScreenShareStop(ctx, c)
	case MsgRequestSync:
		return d.handleRequestSync(ctx, c)
	case MsgRequestPartyState:
		return d.handleRequestPartyState(ctx, c)
	default:
		return invalid("Unknown message type: " + string(msg.Type))
	}
}

// authorize is the one place playback authority is checked.
func (d *Dispatcher) authorize(ctx context.Context, c *Client) error {
	ok, err := d.arbiter.CanControl(ctx, c.partyID, c.user.ID)
	if err != nil {
		log.Printf("sync-service: authority check for %s in party %s: %v", c.user.ID, c.partyID, err)
	}
	if !ok {
		return errInsufficientPermissions
	}
	return nil
}

func (d *Dispatcher) handleControl(ctx context.Context, c *Client, msg *inbound) error {
	ctrl, err := msg.control()
	if err != nil {
		return err
	}
	if err := d.authorize(ctx, c); err != nil {
		return err
	}

	now := d.now()
	st, err := d.store.ApplyControl(ctx, c.partyID, ctrl, now)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"playback_state": st,
		"is_playing":     st.IsPlaying,
		"current_time":   st.Position,
	}
	switch ctrl.Action {
	case party.ActionSeek:
		payload["seek_time"] = st.Position
	case party.ActionRateChange:
		payload["rate"] = st.Rate
	}
	d.broadcastAndRecord(ctx, newEvent(EventType(msg.Type), c.partyID, c.sender(), payload, now), c.id)
	return nil
}

// handleHeartbeat only reads state. A correction goes back to the sender alone.
func (d *Dispatcher) handleHeartbeat(ctx context.Context, c *Client, msg *inbound) error {
	if msg.ClientTime == nil {
		return invalid("client_time is required")
	}
	if msg.IsPlaying == nil {
		return invalid("is_playing is required")
	}

	st, err := d.store.Get(ctx, c.partyID)
	if err != nil {
		return err
	}
	now := d.now()
	corr, needed := d.reconciler.Check(st, *msg.ClientTime, now)
	if !needed {
		return nil
	}
	d.broadcaster.Unicast(c, newEvent(EvtSyncCorrection, c.partyID, nil, map[string]any{
		"correct_time": corr.CorrectTime,
		"is_playing":   corr.IsPlaying,
		"drift":        corr.Drift,
	}, now))
	return nil
}

func (d *Dispatcher) handleChat(ctx context.Context, c *Client, msg *inbound) error {
	content, err := msg.chatContent()
	if err != nil {
		return err
	}
	if err := d.store.SetTyping(ctx, c.partyID, c.user.ID, false); err != nil {
		log.Printf("sync-service: clear typing for %s: %v", c.user.ID, err)
	}

	ev := newEvent(EvtChat, c.partyID, c.sender(), map[string]any{"content": content}, d.now())
	d.broadcastAndRecord(ctx, ev, c.id)
	return nil
}

func (d *Dispatcher) handleReaction(ctx context.Context, c *Client, msg *inbound) error {
	if msg.Emoji == nil || strings.TrimSpace(*msg.Emoji) == "" {
		return invalid("emoji is required")
	}
	ev := newEvent(EvtReaction, c.partyID, c.sender(), map[string]any{"emoji": strings.TrimSpace(*msg.Emoji)}, d.now())
	d.broadcastAndRecord(ctx, ev, c.id)
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, c *Client, typing bool) error {
	if err := d.store.SetTyping(ctx, c.partyID, c.user.ID, typing); err != nil {
		return err
	}
	ev := newEvent(EvtTyping, c.partyID, c.sender(), map[string]any{"is_typing": typing}, d.now())
	d.broadcast(ctx, ev, c.id)
	return nil
}

func (d *Dispatcher) handleVoice(ctx context.Context, c *Client, join bool) error {
	var (
		count int
		err   error
		typ   = EvtVoiceJoin
	)
	if join {
		count, err = d.store.JoinVoice(ctx, c.partyID, c.user.ID)
	} else {
		typ = EvtVoiceLeave
		count, err = d.store.LeaveVoice(ctx, c.partyID, c.user.ID)
	}
	if err != nil {
		return err
	}
	ev := newEvent(typ, c.partyID, c.sender(), map[string]any{"participant_count": count}, d.now())
	d.broadcast(ctx, ev, "")
	return nil
}

func (d *Dispatcher) handleScreenShareStart(ctx context.Context, c *Client) error {
	if err := d.authorize(ctx, c); err != nil {
		return err
	}
	err := d.store.StartScreenShare(ctx, c.partyID, c.user.ID)
	if errors.Is(err, party.ErrScreenShareBusy) {
		return errScreenShareActive
	}
	if err != nil {
		return err
	}
	ev := newEvent(EvtScreenShareStart, c.partyID, c.sender(), map[string]any{"user_id": c.user.ID}, d.now())
	d.broadcast(ctx, ev, "")
	return nil
}

// handleScreenShareStop lets the sharer stop, and anyone with playback
// authority stop somebody else's share.
func (d *Dispatcher) handleScreenShareStop(ctx context.Context, c *Client) error {
	err := d.store.StopScreenShare(ctx, c.partyID, c.user.ID, false)
	if errors.Is(err, party.ErrScreenShareNotOwner) {
		if aerr := d.authorize(ctx, c); aerr != nil {
			return aerr
		}
		err = d.store.StopScreenShare(ctx, c.partyID, c.user.ID, true)
	}
	switch {
	case errors.Is(err, party.ErrScreenShareInactive):
		return errNoScreenShare
	case err != nil:
		return err
	}
	ev := newEvent(EvtScreenShareStop, c.partyID, c.sender(), map[string]any{"user_id": c.user.ID}, d.now())
	d.broadcast(ctx, ev, "")
	return nil
}

func (d *Dispatcher) handleRequestSync(ctx context.Context, c *Client) error {
	st, err := d.store.Get(ctx, c.partyID)
	if err != nil {
		return err
	}
	now := d.now()
	d.broadcaster.Unicast(c, newEvent(EvtSyncState, c.partyID, nil, map[string]any{
		"playback_state":    st,
		"expected_position": st.ExpectedPosition(now),
		"is_playing":        st.IsPlaying,
	}, now))
	return nil
}

func (d *Dispatcher) handleRequestPartyState(ctx context.Context, c *Client) error {
	d.refreshHost(ctx, c)
	snap, err := d.store.Snapshot(ctx, c.partyID)
	if err != nil {
		return err
	}
	now := d.now()
	d.broadcaster.Unicast(c, newEvent(EvtPartyState, c.partyID, nil, partyStatePayload(snap, c.IsHost(), now), now))
	return nil
}

// refreshHost re-reads the host flag, which changes on host transfer.
func (d *Dispatcher) refreshHost(ctx context.Context, c *Client) {
	isHost, err := d.directory.IsHost(ctx, c.partyID, c.user.ID)
	if err != nil {
		log.Printf("sync-service: host lookup for %s in party %s: %v", c.user.ID, c.partyID, err)
		return
	}
	c.isHost.Store(isHost)
}

func partyStatePayload(snap party.Snapshot, isHost bool, now time.Time) map[string]any {
	return map[string]any{
		"playback_state":    snap.Playback,
		"expected_position": snap.Playback.ExpectedPosition(now),
		"presence":          snap.Presence,
		"participants":      snap.Participants,
		"participant_count": snap.ParticipantCount,
		"is_host":           isHost,
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, ev Event, exclude string) {
	if err := d.broadcaster.Broadcast(ctx, ev, exclude); err != nil {
		log.Printf("sync-service: broadcast %s to party %s: %v", ev.Type, ev.PartyID, err)
	}
}

// broadcastAndRecord submits the event for persistence only after it went out.
func (d *Dispatcher) broadcastAndRecord(ctx context.Context, ev Event, exclude string) {
	d.broadcast(ctx, ev, exclude)
	if d.recorder == nil {
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Printf("sync-service: encode %s payload: %v", ev.Type, err)
		return
	}
	rec := party.EventRecord{
		ID:        ev.ID,
		PartyID:   ev.PartyID,
		Type:      string(ev.Type),
		Payload:   payload,
		CreatedAt: ev.ServerTimestamp,
	}
	if ev.Sender != nil {
		rec.SenderID = ev.Sender.ID
	}
	d.recorder.Submit(rec)
}

func (d *Dispatcher) sendError(c *Client, msg string) {
	d.broadcaster.Unicast(c, errorEvent(c.partyID, msg, d.now()))
}
