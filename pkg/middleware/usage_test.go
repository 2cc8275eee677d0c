package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLUsageStore_RecordUsageWithAPIKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyID := int64(3)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage").
		WithArgs(int64(1), int64(3), "/api/v1/projects", "GET", 200, 0.25, "10.0.0.1", "curl", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE api_keys SET usage_count").
		WithArgs(int64(3), ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewSQLUsageStore(db).RecordUsage(context.Background(), Usage{
		UserID:       1,
		APIKeyID:     &keyID,
		Endpoint:     "/api/v1/projects",
		Method:       "GET",
		StatusCode:   200,
		ResponseTime: 250 * time.Millisecond,
		IPAddress:    "10.0.0.1",
		UserAgent:    "curl",
		Timestamp:    ts,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUsageStore_RecordUsageBearer(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = NewSQLUsageStore(db).RecordUsage(context.Background(), Usage{UserID: 1, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUsageStore_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = NewSQLUsageStore(db).RecordUsage(context.Background(), Usage{UserID: 1, Timestamp: time.Now()})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLUsageStore_KeyTouchFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyID := int64(3)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE api_keys SET usage_count").WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	err = NewSQLUsageStore(db).RecordUsage(context.Background(), Usage{UserID: 1, APIKeyID: &keyID, Timestamp: time.Now()})
	assert.ErrorContains(t, err, "failed to touch API key")
	assert.NoError(t, mock.ExpectationsWereMet())
}
