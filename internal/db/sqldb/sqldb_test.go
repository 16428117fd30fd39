package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpen_SQLiteInMemory(t *testing.T) {
	gdb, err := Open(Config{Driver: DriverSQLite, DSN: "file:sqldb_open?mode=memory&cache=shared"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(gdb) })

	require.NoError(t, Ping(context.Background(), gdb))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported ledger driver")
}

func TestZapLogger_Trace(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapLogger(zap.New(core), gormlogger.Warn, 10*time.Millisecond)

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	require.Equal(t, 0, logs.Len(), "fast query below info level should not log")

	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 2", 1 }, nil)
	require.Equal(t, 1, logs.FilterMessage("slow ledger query").Len())

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 3", 0 }, errors.New("boom"))
	require.Equal(t, 1, logs.FilterMessage("ledger query failed").Len())

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 4", 0 }, gormlogger.ErrRecordNotFound)
	require.Equal(t, 1, logs.FilterMessage("ledger query failed").Len(), "record not found is ignored")

	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 5", 0 }, errors.New("boom"))
	require.Equal(t, 1, logs.FilterMessage("ledger query failed").Len())
}
