package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/mxtoai/mailengine/internal/errors"

	"github.com/mxtoai/mailengine/internal/core"
)

// WhitelistRepo persists sender membership and verification state.
type WhitelistRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewWhitelistRepo creates a new WhitelistRepo with the given database connection.
func NewWhitelistRepo(db *sql.DB) *WhitelistRepo {
	return &WhitelistRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// Get loads the entry for a sender, or nil when the sender is unknown.
// Lookup is case-insensitive; addresses are stored lowercased.
func (r *WhitelistRepo) Get(ctx context.Context, email string) (*core.WhitelistEntry, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT email, verified, verification_token, created_at, updated_at
		FROM whitelist
		WHERE email = $1
	`, strings.ToLower(strings.TrimSpace(email)))

	var entry core.WhitelistEntry
	err := row.Scan(&entry.Email, &entry.Verified, &entry.VerificationToken, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get whitelist entry: %w", err)
	}
	return &entry, nil
}

// Enroll inserts an unverified entry with a fresh verification token. When a
// concurrent request already enrolled the sender, the existing entry wins.
func (r *WhitelistRepo) Enroll(ctx context.Context, email, token string) (*core.WhitelistEntry, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	now := r.timeProvider.Now().UTC()

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO whitelist (email, verified, verification_token, created_at, updated_at)
		VALUES ($1, FALSE, $2, $3, $3)
	`, normalized, token, now)
	if err != nil && !apperrors.IsUniqueViolation(err) {
		return nil, fmt.Errorf("enroll sender: %w", err)
	}

	entry, err := r.Get(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("enrolled sender %s not found", normalized)
	}
	return entry, nil
}

// Verify marks the entry holding the given single-use token as verified.
// Returns false when no entry holds the token.
func (r *WhitelistRepo) Verify(ctx context.Context, token string) (bool, error) {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE whitelist
		SET verified = TRUE, verification_token = '', updated_at = $2
		WHERE verification_token = $1 AND verification_token <> ''
	`, token, now)
	if err != nil {
		return false, fmt.Errorf("verify sender: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}
