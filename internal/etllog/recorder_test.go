package etllog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	etl "github.com/paccafe/retail-etl"
	"github.com/paccafe/retail-etl/internal/etllog"
)

var _ etl.EventRecorder = (*etllog.Recorder)(nil)
var _ etl.WatermarkSource = (*etllog.Recorder)(nil)

const insertSQL = `INSERT INTO etl_log (step, component, status, table_name, etl_date, error_msg)
VALUES ($1, $2, $3, $4, $5, $6)`

type counter struct{ n int }

func (c *counter) Inc() { c.n++ }

func newMock(t *testing.T) (*etllog.Recorder, sqlmock.Sqlmock, *counter, *observer.ObservedLogs) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	c := &counter{}
	rec := etllog.New(db, etllog.WithLogger(zap.New(core)), etllog.WithFailureCounter(c))
	return rec, mock, c, logs
}

func TestRecorder_Record(t *testing.T) {
	rec, mock, c, logs := newMock(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(insertSQL).
		WithArgs("warehouse", "load", "success", "dim_products", at, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertSQL).
		WithArgs("warehouse", "transformation", "failed", "fct_order", at, "transform failure: bad date").
		WillReturnResult(sqlmock.NewResult(2, 1))

	rec.Record(context.Background(), etl.Event{
		Step: "warehouse", Component: etl.StageLoad, Status: etl.StatusSuccess,
		TableName: "dim_products", EtlDate: at,
	})
	rec.Record(context.Background(), etl.Event{
		Step: "warehouse", Component: etl.StageTransform, Status: etl.StatusFailed,
		TableName: "fct_order", EtlDate: at, ErrorMsg: "transform failure: bad date",
	})

	require.NoError(t, mock.ExpectationsWereMet())
	require.Zero(t, c.n)
	require.Zero(t, logs.Len())
}

func TestRecorder_Record_FailureIsContained(t *testing.T) {
	rec, mock, c, logs := newMock(t)

	mock.ExpectExec(insertSQL).WillReturnError(errors.New("relation \"etl_log\" does not exist"))

	rec.Record(context.Background(), etl.Event{
		Step: "staging", Component: etl.StageExtract, Status: etl.StatusSuccess,
		TableName: "customers", EtlDate: time.Now(),
	})

	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, 1, c.n)
	entries := logs.FilterMessage("etl log write failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "customers", entries[0].ContextMap()["table"])
}

func TestRecorder_Latest(t *testing.T) {
	latest := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("max etl_date", func(t *testing.T) {
		rec, mock, _, _ := newMock(t)
		mock.ExpectQuery(etllog.DefaultLatestQuery).
			WithArgs("warehouse", `dim\_products`, "success", "load").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(latest))

		got, ok, err := rec.Latest(context.Background(), etl.LoadWatermark("dim_products"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, latest, got)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no events", func(t *testing.T) {
		rec, mock, _, _ := newMock(t)
		mock.ExpectQuery(etllog.DefaultLatestQuery).
			WithArgs("warehouse", `dim\_customers`, "success", "load").
			WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

		_, ok, err := rec.Latest(context.Background(), etl.LoadWatermark("dim_customers"))
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		rec, mock, _, _ := newMock(t)
		mock.ExpectQuery(etllog.DefaultLatestQuery).WillReturnError(errors.New("connection reset"))

		_, _, err := rec.Latest(context.Background(), etl.LoadWatermark("fct_order"))
		require.ErrorIs(t, err, etl.ErrQuery)
	})
}

func TestRecorder_Latest_NoEventsResolvesToBeginningOfTime(t *testing.T) {
	rec, mock, _, _ := newMock(t)
	mock.ExpectQuery(etllog.DefaultLatestQuery).
		WithArgs("warehouse", `fct\_inventory`, "success", "load").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	since, err := etl.Since(context.Background(), rec, etl.LoadWatermark("fct_inventory"))
	require.NoError(t, err)
	require.Equal(t, etl.BeginningOfTime, since)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_WithLatestQuery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	custom := "SELECT MAX(etl_date) FROM audit.etl_log WHERE step = $1 AND table_name ILIKE $2 AND status = $3 AND component = $4"
	rec := etllog.New(db, etllog.WithLatestQuery(custom))

	mock.ExpectQuery(custom).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	_, ok, err := rec.Latest(context.Background(), etl.LoadWatermark("dim_employees"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadQuery(t *testing.T) {
	t.Run("no dir", func(t *testing.T) {
		q, err := etllog.LoadQuery("")
		require.NoError(t, err)
		require.Equal(t, etllog.DefaultLatestQuery, q)
	})

	t.Run("missing file", func(t *testing.T) {
		q, err := etllog.LoadQuery(t.TempDir())
		require.NoError(t, err)
		require.Equal(t, etllog.DefaultLatestQuery, q)
	})

	t.Run("override", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, etllog.QueryFile), []byte("SELECT 1"), 0o600))
		q, err := etllog.LoadQuery(dir)
		require.NoError(t, err)
		require.Equal(t, "SELECT 1", q)
	})
}
