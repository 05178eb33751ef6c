package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"party-service/internal/models"
)

var ErrPartyNotFound = errors.New("party not found")

// PartyRepository abstracts party and membership persistence.
type PartyRepository interface {
	CreateParty(ctx context.Context, ownerID int, name string) (models.Party, error)
	GetParty(ctx context.Context, partyID int) (models.Party, error)
	ListPartiesForUser(ctx context.Context, userID int) ([]models.Party, error)
	IsMember(ctx context.Context, partyID int, userID int) (bool, error)
	AddMember(ctx context.Context, partyID int, userID int) (bool, error)
	RemoveMember(ctx context.Context, partyID int, userID int) (bool, error)
	ArchiveParty(ctx context.Context, partyID int, ownerID int) error
}

// PartyRepo is a sqlx implementation of PartyRepository.
type PartyRepo struct {
	db *sqlx.DB
}

// NewPartyRepo constructs a PartyRepo.
func NewPartyRepo(db *sqlx.DB) *PartyRepo {
	return &PartyRepo{db: db}
}

// CreateParty inserts a party, its playback state row and the owner membership.
func (r *PartyRepo) CreateParty(ctx context.Context, ownerID int, name string) (models.Party, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Party{}, err
	}
	defer tx.Rollback()

	var party models.Party
	if err := tx.QueryRowxContext(ctx, `INSERT INTO parties (name, owner_id) VALUES ($1, $2) RETURNING id, name, owner_id, archived, created_at`, name, ownerID).
		Scan(&party.ID, &party.Name, &party.OwnerID, &party.Archived, &party.CreatedAt); err != nil {
		return models.Party{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO party_state (party_id) VALUES ($1)`, party.ID); err != nil {
		return models.Party{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO party_members (party_id, user_id) VALUES ($1, $2)`, party.ID, ownerID); err != nil {
		return models.Party{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Party{}, err
	}
	return party, nil
}

// GetParty fetches a party by id.
func (r *PartyRepo) GetParty(ctx context.Context, partyID int) (models.Party, error) {
	var party models.Party
	err := r.db.GetContext(ctx, &party, `SELECT id, name, owner_id, archived, created_at FROM parties WHERE id=$1`, partyID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Party{}, ErrPartyNotFound
	}
	return party, err
}

// ListPartiesForUser returns non-archived parties the user belongs to.
func (r *PartyRepo) ListPartiesForUser(ctx context.Context, userID int) ([]models.Party, error) {
	query := `SELECT p.id, p.name, p.owner_id, p.archived, p.created_at FROM parties p
        JOIN party_members pm ON pm.party_id = p.id
        WHERE pm.user_id=$1 AND p.archived = FALSE
        ORDER BY p.created_at DESC`
	var parties []models.Party
	err := r.db.SelectContext(ctx, &parties, query, userID)
	return parties, err
}

// IsMember checks whether a user belongs to the party.
func (r *PartyRepo) IsMember(ctx context.Context, partyID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM party_members WHERE party_id=$1 AND user_id=$2)`, partyID, userID)
	return exists, err
}

// AddMember inserts a membership row. Returns false if the user was
// already a member.
func (r *PartyRepo) AddMember(ctx context.Context, partyID int, userID int) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM parties WHERE id=$1 AND archived = FALSE)`, partyID); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrPartyNotFound
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO party_members (party_id, user_id) VALUES ($1, $2)
        ON CONFLICT (party_id, user_id) DO NOTHING`, partyID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveMember deletes a membership row. Returns false if the user was
// not a member.
func (r *PartyRepo) RemoveMember(ctx context.Context, partyID int, userID int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM party_members WHERE party_id=$1 AND user_id=$2`, partyID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ArchiveParty marks the party archived. Only the owner may archive; log
// rows are retained.
func (r *PartyRepo) ArchiveParty(ctx context.Context, partyID int, ownerID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE parties SET archived = TRUE WHERE id=$1 AND owner_id=$2`, partyID, ownerID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrPartyNotFound
	}
	return nil
}
