package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

const partyEventsChannel = "party-events"

// envelope is what travels between instances over Redis.
type envelope struct {
	Origin  string          `json:"origin"`
	PartyID string          `json:"party_id"`
	Exclude string          `json:"exclude,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Broadcaster fans events out to a party's connections on this instance and,
// through Redis Pub/Sub, on every other instance.
type Broadcaster struct {
	hub        *Hub
	rdb        *redis.Client
	instanceID string
	onDrop     func(*Client)
}

func NewBroadcaster(hub *Hub, rdb *redis.Client, instanceID string) *Broadcaster {
	return &Broadcaster{
		hub:        hub,
		rdb:        rdb,
		instanceID: instanceID,
	}
}

// OnDrop sets the callback for recipients whose queue rejected a frame.
// It runs on its own goroutine so delivery to siblings never waits on it.
func (b *Broadcaster) OnDrop(fn func(*Client)) {
	b.onDrop = fn
}

// Broadcast delivers ev to every connection in ev.PartyID except exclude.
// Local delivery happens even when publishing to Redis fails.
func (b *Broadcaster) Broadcast(ctx context.Context, ev Event, exclude string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	return b.BroadcastRaw(ctx, ev.PartyID, data, exclude)
}

func (b *Broadcaster) BroadcastRaw(ctx context.Context, partyID string, data []byte, exclude string) error {
	b.deliver(partyID, data, exclude)
	return b.publish(ctx, partyID, data, exclude)
}

// Unicast queues ev for c alone.
func (b *Broadcaster) Unicast(c *Client, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("sync-service: encode %s event: %v", ev.Type, err)
		return false
	}
	if !c.enqueue(data) {
		b.drop(c)
		return false
	}
	return true
}

func (b *Broadcaster) deliver(partyID string, data []byte, exclude string) int {
	sent := 0
	for _, c := range b.hub.Party(partyID) {
		if c.id == exclude {
			continue
		}
		if !c.enqueue(data) {
			b.drop(c)
			continue
		}
		sent++
	}
	return sent
}

func (b *Broadcaster) drop(c *Client) {
	log.Printf("sync-service: dropping frame for %s in party %s", c.id, c.partyID)
	if b.onDrop != nil {
		go b.onDrop(c)
	}
}

func (b *Broadcaster) publish(ctx context.Context, partyID string, data []byte, exclude string) error {
	if b.rdb == nil {
		return nil
	}
	msg, err := json.Marshal(envelope{
		Origin:  b.instanceID,
		PartyID: partyID,
		Exclude: exclude,
		Data:    data,
	})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, partyEventsChannel, msg).Err(); err != nil {
		return fmt.Errorf("publish party %s event: %w", partyID, err)
	}
	return nil
}

// Subscribe opens the cross-instance channel and waits for the confirmation,
// so events published after it returns are not missed.
func (b *Broadcaster) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := b.rdb.Subscribe(ctx, partyEventsChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", partyEventsChannel, err)
	}
	return ps, nil
}

// RunRedisSubscriber delivers envelopes from other instances until ctx ends.
func (b *Broadcaster) RunRedisSubscriber(ctx context.Context, ps *redis.PubSub) {
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("sync-service: bad envelope on %s: %v", partyEventsChannel, err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			b.deliver(env.PartyID, env.Data, env.Exclude)
		}
	}
}
