package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLogger(t *testing.T) (*Logger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	logger, err := NewLogger(context.Background(), db)
	require.NoError(t, err)

	return logger, mock, func() { db.Close() }
}

func TestNewLogger_RequiresDatabase(t *testing.T) {
	_, err := NewLogger(context.Background(), nil)
	assert.Error(t, err)
}

func TestRecord_GeneratesIDAndTimestamp(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), string(ActionCreditGrant), "admin1", "bob",
			int64(500), "manual correction", "req-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := logger.Record(context.Background(), &Entry{
		Action:    ActionCreditGrant,
		ActorID:   "admin1",
		SubjectID: "bob",
		Amount:    500,
		Reason:    "manual correction",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_KeepsCallerProvidedID(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	recordedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs("entry-1", string(ActionCreditRevoke), "admin1", "bob",
			int64(200), "", "", recordedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := logger.Record(context.Background(), &Entry{
		ID:         "entry-1",
		Action:     ActionCreditRevoke,
		ActorID:    "admin1",
		SubjectID:  "bob",
		Amount:     200,
		RecordedAt: recordedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "entry-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_InsertFailure(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(errors.New("connection refused"))

	_, err := logger.Record(context.Background(), &Entry{
		Action:    ActionCreditGrant,
		ActorID:   "admin1",
		SubjectID: "bob",
		Amount:    1,
	})
	assert.Error(t, err)
}

func TestForSubject_NewestFirst(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT id, action, actor_id").
		WithArgs("bob", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action", "actor_id", "subject_id", "amount", "reason", "request_id", "recorded_at",
		}).
			AddRow("e2", "credits.grant", "admin1", "bob", 500, "topup", "req-2", now).
			AddRow("e1", "credits.revoke", "admin1", "bob", 100, "", "", now.Add(-time.Hour)))

	entries, err := logger.ForSubject(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, ActionCreditGrant, entries[0].Action)
	assert.Equal(t, int64(500), entries[0].Amount)
	assert.Equal(t, ActionCreditRevoke, entries[1].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_PrunesOldEntries(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM audit_logs").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	retention := NewRetention(logger, 365*24*time.Hour, nil)
	n, err := retention.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_PruneFailure(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM audit_logs").
		WillReturnError(errors.New("connection refused"))

	retention := NewRetention(logger, 24*time.Hour, nil)
	_, err := retention.Prune(context.Background())
	assert.Error(t, err)
}

func TestForSubject_DefaultLimit(t *testing.T) {
	logger, mock, cleanup := setupLogger(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, action, actor_id").
		WithArgs("bob", 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "action", "actor_id", "subject_id", "amount", "reason", "request_id", "recorded_at",
		}))

	entries, err := logger.ForSubject(context.Background(), "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}
