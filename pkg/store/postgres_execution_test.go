package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/scriptwarden/broker/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestPostgresExecutionStore_Create_InsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO execution_logs").
		WithArgs("exec-1", "script-1", "tenant-1", "invoker-1", "api", sqlmock.AnyArg(), "pending",
			sqlmock.AnyArg(), int64(0), int64(0), int64(0), "", "", 0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := store.NewPostgresExecutionStore(db)
	log := &store.ExecutionLog{ID: "exec-1", ScriptID: "script-1", TenantID: "tenant-1", InvokerID: "invoker-1", Trigger: store.TriggerAPI}
	require.NoError(t, s.Create(context.Background(), log))
	require.Equal(t, store.StatusPending, log.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecutionStore_Get_ReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, script_id").
		WithArgs("missing").
		WillReturnError(sqlmock.ErrCancelled)

	s := store.NewPostgresExecutionStore(db)
	_, err = s.Get(context.Background(), "missing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecutionStore_Get_ScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "script_id", "tenant_id", "invoker_id", "trigger", "context", "status", "started_at", "ended_at",
		"execution_time_ms", "peak_memory_bytes", "cpu_time_ms", "output", "error_message", "callback_count",
		"security_flags", "created_at", "updated_at",
	}).AddRow("exec-1", "script-1", "tenant-1", "invoker-1", "api", []byte(`{}`), "success", now, now,
		int64(120), int64(2048), int64(80), "ok", "", 0, []byte(`[]`), now, now)

	mock.ExpectQuery("SELECT id, script_id").WithArgs("exec-1").WillReturnRows(rows)

	s := store.NewPostgresExecutionStore(db)
	log, err := s.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, log.Status)
	require.Equal(t, "ok", log.Output)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresExecutionStore_TransitionToRunning_RejectsInvalidTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM execution_logs").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("success"))
	mock.ExpectRollback()

	s := store.NewPostgresExecutionStore(db)
	err = s.TransitionToRunning(context.Background(), "exec-1")
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}
