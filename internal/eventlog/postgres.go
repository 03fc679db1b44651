package eventlog

import (
	"context"
	"fmt"
	"log"

	"sync-service/internal/party"

	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the event log needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresLog stores chat messages, reactions and playback controls.
// Records are keyed by event id, so a retried insert is a no-op.
type PostgresLog struct {
	db DB
}

func NewPostgresLog(db DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func AutoMigrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, `
      CREATE TABLE IF NOT EXISTS party_events(
          id TEXT PRIMARY KEY,
          party_id TEXT NOT NULL,
          type TEXT NOT NULL,
          sender_id TEXT NOT NULL DEFAULT '',
          payload JSONB NOT NULL DEFAULT '{}'::jsonb,
          created_at TIMESTAMPTZ NOT NULL DEFAULT now()
      )
  `)
	if err != nil {
		log.Printf("migrate party_events: %v", err)
		return err
	}
	if _, err := db.Exec(ctx, `CREATE INDEX IF NOT EXISTS party_events_party_created_idx ON party_events(party_id, created_at)`); err != nil {
		log.Printf("migrate party_events index: %v", err)
		return err
	}
	return nil
}

func (l *PostgresLog) Record(ctx context.Context, rec party.EventRecord) error {
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := l.db.Exec(ctx, `
        INSERT INTO party_events(id, party_id, type, sender_id, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING
    `, rec.ID, rec.PartyID, rec.Type, rec.SenderID, string(payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert party event %s: %w", rec.ID, err)
	}
	return nil
}
