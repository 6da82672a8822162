package data

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockWhitelistRepo(t *testing.T) (*WhitelistRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewWhitelistRepo(db)
	repo.timeProvider = NewFixedTimeProvider(testTime)
	return repo, mock
}

func whitelistRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"email", "verified", "verification_token", "created_at", "updated_at"})
}

func TestWhitelistRepoGet(t *testing.T) {
	repo, mock := newMockWhitelistRepo(t)

	// Lookup normalizes case and whitespace before hitting the table.
	mock.ExpectQuery("SELECT (.+) FROM whitelist").
		WithArgs("alice@example.com").
		WillReturnRows(whitelistRows().AddRow("alice@example.com", true, "", testTime, testTime))

	entry, err := repo.Get(context.Background(), "  Alice@Example.COM ")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Verified)

	mock.ExpectQuery("SELECT (.+) FROM whitelist").
		WillReturnError(sql.ErrNoRows)
	entry, err = repo.Get(context.Background(), "unknown@example.com")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestWhitelistRepoEnroll(t *testing.T) {
	repo, mock := newMockWhitelistRepo(t)

	mock.ExpectExec("INSERT INTO whitelist").
		WithArgs("alice@example.com", "tok-1", testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM whitelist").
		WithArgs("alice@example.com").
		WillReturnRows(whitelistRows().AddRow("alice@example.com", false, "tok-1", testTime, testTime))

	entry, err := repo.Enroll(context.Background(), "Alice@Example.com", "tok-1")
	require.NoError(t, err)
	assert.False(t, entry.Verified)
	assert.Equal(t, "tok-1", entry.VerificationToken)
}

func TestWhitelistRepoEnrollConcurrentWins(t *testing.T) {
	repo, mock := newMockWhitelistRepo(t)

	// A concurrent enrollment hit the unique constraint; the existing entry wins.
	mock.ExpectExec("INSERT INTO whitelist").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
	mock.ExpectQuery("SELECT (.+) FROM whitelist").
		WillReturnRows(whitelistRows().AddRow("alice@example.com", false, "tok-existing", testTime, testTime))

	entry, err := repo.Enroll(context.Background(), "alice@example.com", "tok-new")
	require.NoError(t, err)
	assert.Equal(t, "tok-existing", entry.VerificationToken)
}

func TestWhitelistRepoVerify(t *testing.T) {
	repo, mock := newMockWhitelistRepo(t)

	mock.ExpectExec("UPDATE whitelist").
		WithArgs("tok-1", testTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE whitelist").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.Verify(context.Background(), "tok-unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}
