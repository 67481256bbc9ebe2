package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"owl-telemetry/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockAlarmLogDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlarmLogRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewAlarmLogRepository(db, zap.NewNop())
}

func strPtr(s string) *string { return &s }

var alarmLogColumns = []string{
	"id", "rule_id", "bit_rule_id", "status", "triggering_value", "triggered_at", "cleared_at",
}

func TestFindOpen_Found(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	entryID := uuid.New().String()
	triggeredAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM alarm_logs\s+WHERE rule_id = \$1`).
		WithArgs("r-status", "b-3").
		WillReturnRows(sqlmock.NewRows(alarmLogColumns).
			AddRow(entryID, "r-status", "b-3", "ACTIVE", "8", triggeredAt, nil))

	entry, err := repo.FindOpen(context.Background(), "r-status", strPtr("b-3"))

	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, entryID, entry.ID)
	assert.Equal(t, models.AlarmStatusActive, entry.Status)
	require.NotNil(t, entry.BitRuleID)
	assert.Equal(t, "b-3", *entry.BitRuleID)
	assert.Equal(t, "8", entry.TriggeringValue)
	assert.Nil(t, entry.ClearedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpen_NoneForWholeValueRule(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM alarm_logs`).
		WithArgs("r-temp", nil).
		WillReturnError(sql.ErrNoRows)

	entry, err := repo.FindOpen(context.Background(), "r-temp", nil)

	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOpen_RequiresRuleID(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	entry, err := repo.FindOpen(context.Background(), "", nil)

	assert.Error(t, err)
	assert.Nil(t, entry)
	assert.Contains(t, err.Error(), "rule_id is required")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_AssignsIDAndStatus(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO alarm_logs`).
		WithArgs(sqlmock.AnyArg(), "r-temp", nil, "ACTIVE", "35", at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.AlarmLogEntry{
		RuleID:          "r-temp",
		TriggeringValue: "35",
		Timestamp:       at,
	}
	err := repo.Create(context.Background(), entry)

	require.NoError(t, err)
	_, parseErr := uuid.Parse(entry.ID)
	assert.NoError(t, parseErr)
	assert.Equal(t, models.AlarmStatusActive, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_ExecError(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO alarm_logs`).WillReturnError(errors.New("constraint violation"))

	err := repo.Create(context.Background(), &models.AlarmLogEntry{RuleID: "r-temp", Timestamp: time.Now()})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create alarm log")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseLatestOpen_Success(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	clearedAt := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE alarm_logs\s+SET status = 'CLEARED'`).
		WithArgs("r-temp", nil, clearedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("log-1"))

	id, err := repo.CloseLatestOpen(context.Background(), "r-temp", nil, clearedAt)

	require.NoError(t, err)
	assert.Equal(t, "log-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseLatestOpen_NoneOpen(t *testing.T) {
	db, mock, repo := setupMockAlarmLogDB(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE alarm_logs`).
		WithArgs("r-status", "b-0", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, err := repo.CloseLatestOpen(context.Background(), "r-status", strPtr("b-0"), time.Now())

	assert.ErrorIs(t, err, ErrNoOpenAlarm)
	assert.Empty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}
