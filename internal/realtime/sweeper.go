package realtime

import (
	"context"
	"log"
	"time"

	"sync-service/internal/party"

	"github.com/gorilla/websocket"
)

// StartSweeper periodically closes silent connections, keeps the state of
// parties that still have viewers from expiring, and prunes members left
// behind by instances that stopped without cleanup.
func (s *Server) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				s.sweep(ctx, time.Now())
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context, now time.Time) {
	revived, err := s.store.KeepAlive(ctx)
	if err != nil {
		log.Printf("sync-service: sweeper keep alive: %v", err)
	}
	if revived {
		s.reassertMembers(ctx)
	}

	for _, c := range s.hub.Stale(now.Add(-s.heartbeatTimeout)) {
		log.Printf("sync-service: sweeper closing %s in party %s, silent since %s",
			c.id, c.partyID, c.LastHeartbeat().Format(time.RFC3339))
		c.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
		s.disconnect(c)
	}

	for _, partyID := range s.hub.Parties() {
		if err := s.store.Touch(ctx, partyID); err != nil {
			log.Printf("sync-service: sweeper touch party %s: %v", partyID, err)
		}
	}

	s.pruneOrphans(ctx)
}

// reassertMembers adds every local connection back to the members hash, in
// case another instance pruned them while this one looked dead.
func (s *Server) reassertMembers(ctx context.Context) {
	for _, partyID := range s.hub.Parties() {
		for _, c := range s.hub.Party(partyID) {
			if _, err := s.store.AddMember(ctx, partyID, c.id, c.user.ID); err != nil {
				log.Printf("sync-service: sweeper re-add %s to party %s: %v", c.id, partyID, err)
			}
		}
	}
}

// pruneOrphans announces the departure of users whose connections lived on
// an instance that is gone.
func (s *Server) pruneOrphans(ctx context.Context) {
	parties, err := s.store.ActiveParties(ctx)
	if err != nil {
		log.Printf("sync-service: sweeper list parties: %v", err)
		return
	}
	for _, partyID := range parties {
		departed, remaining, err := s.store.Prune(ctx, partyID)
		if err != nil {
			log.Printf("sync-service: sweeper prune party %s: %v", partyID, err)
		}
		for _, d := range departed {
			sender := &party.User{ID: d.UserID, Username: d.UserID}
			if d.WasSharing {
				s.dispatcher.broadcast(ctx, newEvent(EvtScreenShareStop, partyID, sender, map[string]any{
					"user_id": d.UserID,
				}, s.now()), "")
			}
			s.dispatcher.broadcast(ctx, newEvent(EvtUserLeft, partyID, sender, map[string]any{
				"participant_count": len(remaining),
			}, s.now()), "")
			log.Printf("sync-service: sweeper pruned %s from party %s", d.UserID, partyID)
		}
	}
}
