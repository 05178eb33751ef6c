package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"party-service/internal/models"
)

// LogRepository is the append-only per-party event log. Append assigns
// the next sequence number atomically and is idempotent on client id:
// resubmitting an already accepted id returns the stored entry unchanged.
type LogRepository interface {
	Append(ctx context.Context, partyID int, clientID string, entryType string, text string, authorID int) (models.LogEntry, bool, error)
	ReadSince(ctx context.Context, partyID int, cursor int64) ([]models.LogEntry, error)
}

// LogRepo is a sqlx-backed repository.
type LogRepo struct {
	db *sqlx.DB
}

// NewLogRepo constructs LogRepo.
func NewLogRepo(db *sqlx.DB) *LogRepo {
	return &LogRepo{db: db}
}

// Append stores a log entry with the next per-party sequence number.
// The returned bool reports whether the entry already existed, in which
// case the previously accepted entry is echoed and nothing is written.
// The UPDATE on parties takes the row lock first, so the duplicate check
// and the insert run with no competing appender for the same party.
func (r *LogRepo) Append(ctx context.Context, partyID int, clientID string, entryType string, text string, authorID int) (models.LogEntry, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.LogEntry{}, false, err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowxContext(ctx, `UPDATE parties SET last_seq = last_seq + 1 WHERE id=$1 AND archived = FALSE RETURNING last_seq`, partyID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LogEntry{}, false, ErrPartyNotFound
	}
	if err != nil {
		return models.LogEntry{}, false, err
	}

	var existing models.LogEntry
	err = tx.GetContext(ctx, &existing, `SELECT party_id, seq, client_id, type, text, author_id, created_at, updated_at
        FROM log_entries WHERE party_id=$1 AND client_id=$2`, partyID, clientID)
	if err == nil {
		// Roll back the seq bump and keep the original entry.
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.LogEntry{}, false, err
	}

	var entry models.LogEntry
	err = tx.QueryRowxContext(ctx, `INSERT INTO log_entries (party_id, seq, client_id, type, text, author_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING party_id, seq, client_id, type, text, author_id, created_at, updated_at`,
		partyID, seq, clientID, entryType, text, authorID).
		Scan(&entry.PartyID, &entry.Seq, &entry.ClientID, &entry.Type, &entry.Text, &entry.AuthorID, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return models.LogEntry{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.LogEntry{}, false, err
	}
	return entry, false, nil
}

// ReadSince returns entries with seq > cursor in sequence order.
func (r *LogRepo) ReadSince(ctx context.Context, partyID int, cursor int64) ([]models.LogEntry, error) {
	query := `SELECT party_id, seq, client_id, type, text, author_id, created_at, updated_at
        FROM log_entries
        WHERE party_id=$1 AND seq > $2
        ORDER BY seq ASC`
	var entries []models.LogEntry
	err := r.db.SelectContext(ctx, &entries, query, partyID, cursor)
	return entries, err
}
