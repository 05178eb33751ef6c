package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"party-service/internal/models"
)

// StateConflictError is returned when an update carries a stale version.
// Current is the authoritative state the caller should re-read from.
type StateConflictError struct {
	Current models.PlaybackState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("playback state conflict: current version is %d", e.Current.Version)
}

// StateRepository holds per-party playback state with optimistic
// concurrency on the version column.
type StateRepository interface {
	Get(ctx context.Context, partyID int) (models.PlaybackState, error)
	Update(ctx context.Context, partyID int, isPlaying bool, currentTime float64, expectedVersion int64) (models.PlaybackState, error)
}

// StateRepo is a sqlx implementation of StateRepository.
type StateRepo struct {
	db *sqlx.DB
}

// NewStateRepo constructs a StateRepo.
func NewStateRepo(db *sqlx.DB) *StateRepo {
	return &StateRepo{db: db}
}

// Get fetches the current playback state.
func (r *StateRepo) Get(ctx context.Context, partyID int) (models.PlaybackState, error) {
	var state models.PlaybackState
	err := r.db.GetContext(ctx, &state, `SELECT party_id, is_playing, position_seconds, version, updated_at
        FROM party_state WHERE party_id=$1`, partyID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlaybackState{}, ErrPartyNotFound
	}
	return state, err
}

// Update applies the proposed state only if expectedVersion matches the
// stored version, bumping the version on success. A mismatch returns a
// StateConflictError carrying the winner's state.
func (r *StateRepo) Update(ctx context.Context, partyID int, isPlaying bool, currentTime float64, expectedVersion int64) (models.PlaybackState, error) {
	var state models.PlaybackState
	err := r.db.QueryRowxContext(ctx, `UPDATE party_state
        SET is_playing=$2, position_seconds=$3, version=version+1, updated_at=NOW()
        WHERE party_id=$1 AND version=$4
        RETURNING party_id, is_playing, position_seconds, version, updated_at`,
		partyID, isPlaying, currentTime, expectedVersion).
		Scan(&state.PartyID, &state.IsPlaying, &state.CurrentTime, &state.Version, &state.UpdatedAt)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.PlaybackState{}, err
	}

	current, err := r.Get(ctx, partyID)
	if err != nil {
		return models.PlaybackState{}, err
	}
	return models.PlaybackState{}, &StateConflictError{Current: current}
}
