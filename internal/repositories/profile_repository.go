package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepository reads identity snapshots. The profile service owns the
// rows; this side never writes them.
type ProfileRepository interface {
	Get(ctx context.Context, userID int) (models.ProfileSnapshot, error)
	Bulk(ctx context.Context, userIDs []int) ([]models.ProfileSnapshot, error)
}

// ProfileRepo is a sqlx-backed read-only view over the profiles table.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Get fetches a single profile snapshot.
func (r *ProfileRepo) Get(ctx context.Context, userID int) (models.ProfileSnapshot, error) {
	var profile models.ProfileSnapshot
	err := r.db.GetContext(ctx, &profile, `SELECT id, username, avatar_url FROM profiles WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProfileSnapshot{}, ErrProfileNotFound
	}
	return profile, err
}

// Bulk fetches multiple profiles in one query. Missing ids are silently
// absent from the result.
func (r *ProfileRepo) Bulk(ctx context.Context, userIDs []int) ([]models.ProfileSnapshot, error) {
	if len(userIDs) == 0 {
		return []models.ProfileSnapshot{}, nil
	}
	var profiles []models.ProfileSnapshot
	err := r.db.SelectContext(ctx, &profiles, `SELECT id, username, avatar_url FROM profiles WHERE id = ANY($1)`, pq.Array(userIDs))
	return profiles, err
}
