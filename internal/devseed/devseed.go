// Package devseed inserts development fixtures so a fresh local stack is
// usable immediately. It only ever runs when DEV is set.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// DevSender is the pre-verified whitelist entry for local testing.
const DevSender = "dev@mxtoai.com"

// Run seeds development data. Idempotent; safe to run on every startup.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO whitelist (email, verified, verification_token, created_at, updated_at)
		VALUES ($1, TRUE, '', NOW(), NOW())
		ON CONFLICT (email) DO UPDATE SET verified = TRUE, updated_at = NOW()
	`, DevSender)
	if err != nil {
		return fmt.Errorf("seed whitelist entry: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		logger.InfoContext(ctx, "seeded development whitelist entry", "email", DevSender)
	}
	return nil
}
