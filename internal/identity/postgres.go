package identity

import (
	"context"
	"errors"
	"fmt"
	"log"

	"sync-service/internal/party"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrPartyNotFound = errors.New("party not found")

// DB is the subset of pgxpool.Pool we use; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDirectory answers who may join a party and who controls it.
// Parties and participants are owned by the party service; this side only reads.
type PostgresDirectory struct {
	db DB
}

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func AutoMigrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS watch_parties(
          id TEXT PRIMARY KEY,
          host_id TEXT NOT NULL,
          visibility TEXT NOT NULL DEFAULT 'public',
          is_active BOOLEAN NOT NULL DEFAULT true,
          created_at TIMESTAMPTZ NOT NULL DEFAULT now()
      )
  `)
	if err != nil {
		log.Printf("migrate watch_parties: %v", err)
		return err
	}

	_, err = db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS party_participants(
          party_id TEXT NOT NULL REFERENCES watch_parties(id) ON DELETE CASCADE,
          user_id TEXT NOT NULL,
          role TEXT NOT NULL DEFAULT 'viewer',
          is_banned BOOLEAN NOT NULL DEFAULT false,
          joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
          PRIMARY KEY(party_id, user_id)
      )
  `)
	if err != nil {
		log.Printf("migrate party_participants: %v", err)
		return err
	}

	_, err = db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS user_profiles(
          user_id TEXT PRIMARY KEY,
          username TEXT NOT NULL DEFAULT '',
          display_name TEXT
      )
  `)
	if err != nil {
		log.Printf("migrate user_profiles: %v", err)
		return err
	}
	return nil
}

// Authorize decides whether userID may open a connection to partyID.
// Bans win over everything, including public visibility.
func (d *PostgresDirectory) Authorize(ctx context.Context, partyID, userID string) (party.Access, error) {
	var (
		hostID, visibility, role string
		active, member, banned   bool
	)
	err := d.db.QueryRow(ctx, `
        SELECT p.host_id, p.visibility, p.is_active,
               pp.user_id IS NOT NULL, COALESCE(pp.role, ''), COALESCE(pp.is_banned, false)
        FROM watch_parties p
        LEFT JOIN party_participants pp ON pp.party_id = p.id AND pp.user_id = $2
        WHERE p.id = $1
    `, partyID, userID).Scan(&hostID, &visibility, &active, &member, &role, &banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return party.AccessForbidden, nil
	}
	if err != nil {
		return party.AccessForbidden, fmt.Errorf("authorize %s for party %s: %w", userID, partyID, err)
	}

	switch {
	case banned:
		return party.AccessBanned, nil
	case !active:
		return party.AccessForbidden, nil
	case hostID == userID, visibility == "public", member:
		return party.AccessGranted, nil
	default:
		return party.AccessForbidden, nil
	}
}

// Host returns the current host of a party.
func (d *PostgresDirectory) Host(ctx context.Context, partyID string) (string, error) {
	var hostID string
	err := d.db.QueryRow(ctx, `SELECT host_id FROM watch_parties WHERE id=$1`, partyID).Scan(&hostID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrPartyNotFound
	}
	if err != nil {
		return "", err
	}
	return hostID, nil
}

func (d *PostgresDirectory) IsHost(ctx context.Context, partyID, userID string) (bool, error) {
	hostID, err := d.Host(ctx, partyID)
	if errors.Is(err, ErrPartyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hostID == userID, nil
}

// Role returns the participant role, or "" when userID is not a participant.
func (d *PostgresDirectory) Role(ctx context.Context, partyID, userID string) (string, error) {
	var role string
	err := d.db.QueryRow(ctx, `
        SELECT role FROM party_participants WHERE party_id=$1 AND user_id=$2 AND NOT is_banned
    `, partyID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return role, nil
}

// User loads the sender summary. Users without a profile get their id as name.
func (d *PostgresDirectory) User(ctx context.Context, userID string) (party.User, error) {
	u := party.User{ID: userID}
	err := d.db.QueryRow(ctx, `
        SELECT username, COALESCE(display_name, '') FROM user_profiles WHERE user_id=$1
    `, userID).Scan(&u.Username, &u.DisplayName)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return party.User{}, err
	}
	if u.Username == "" {
		u.Username = userID
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	return u, nil
}
