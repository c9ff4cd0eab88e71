package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMySQL(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflow_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	st, err := NewMySQLStoreFromDB(context.Background(), db)
	require.NoError(t, err)
	return st, mock
}

func TestMySQLStore_Save(t *testing.T) {
	st, mock := setupMySQL(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_runs (run_id, last_step_id, last_step_index, state)")).
		WithArgs("run-1", "login", 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, st.Save(context.Background(), "run-1", sampleState()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_SaveError(t *testing.T) {
	st, mock := setupMySQL(t)

	mock.ExpectExec("INSERT INTO workflow_runs").WillReturnError(errors.New("deadlock"))

	err := st.Save(context.Background(), "run-1", sampleState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save state")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_Load(t *testing.T) {
	st, mock := setupMySQL(t)
	data, err := encodeState(sampleState())
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM workflow_runs WHERE run_id = ?")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(data))

	got, err := st.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "login", got.LastStepID)
	assert.Equal(t, "abc", got.Context.State["token"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_LoadMissing(t *testing.T) {
	st, mock := setupMySQL(t)

	mock.ExpectQuery("SELECT state FROM workflow_runs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := st.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_LoadCorrupt(t *testing.T) {
	st, mock := setupMySQL(t)

	mock.ExpectQuery("SELECT state FROM workflow_runs").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte("{")))

	_, err := st.Load(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMySQLStore_DeleteAndClose(t *testing.T) {
	st, mock := setupMySQL(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM workflow_runs WHERE run_id = ?")).
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	require.NoError(t, st.Delete(context.Background(), "run-1"))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Save(context.Background(), "run-1", sampleState()), ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLStore_MigrationError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("access denied"))

	_, err = NewMySQLStoreFromDB(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create tables")
}

func TestNewMySQLStore_InvalidDSN(t *testing.T) {
	_, err := NewMySQLStore("invalid:dsn:string")
	assert.Error(t, err)
}
