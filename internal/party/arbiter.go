package party

import (
	"context"
	"fmt"
)

// Identity is the read-only slice of the identity collaborator the arbiter needs.
type Identity interface {
	IsHost(ctx context.Context, partyID, userID string) (bool, error)
	Role(ctx context.Context, partyID, userID string) (string, error)
}

// Arbiter gates every playback mutation and screen-share start.
// Lookups are never cached: a host transfer or role change applies to the next message.
type Arbiter struct {
	identity Identity
}

func NewArbiter(identity Identity) *Arbiter {
	return &Arbiter{identity: identity}
}

// CanControl reports whether userID may mutate partyID's playback.
// On lookup failure it denies and returns the error for logging.
func (a *Arbiter) CanControl(ctx context.Context, partyID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}

	isHost, err := a.identity.IsHost(ctx, partyID, userID)
	if err != nil {
		return false, fmt.Errorf("host lookup: %w", err)
	}
	if isHost {
		return true, nil
	}

	role, err := a.identity.Role(ctx, partyID, userID)
	if err != nil {
		return false, fmt.Errorf("role lookup: %w", err)
	}
	return role == RoleModerator, nil
}
