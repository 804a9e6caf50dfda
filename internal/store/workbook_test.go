// internal/store/workbook_test.go
package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testWorkbook(t *testing.T) (*Workbook, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clientes.xlsx")
	wb, err := Open(config.StorageConfig{WorkbookPath: path, Sheet: "Clientes"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = wb.Close() })
	return wb, path
}

func TestOpenCreatesMissingWorkbook(t *testing.T) {
	wb, path := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName, ColCURP))
	require.NoError(t, wb.Save(context.Background()))

	_, err := os.Stat(path)
	assert.NoError(t, err)

	reopened, err := Open(config.StorageConfig{WorkbookPath: path, Sheet: "Clientes"}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{ColName, ColCURP}, reopened.Headers())
}

func TestEnsureColumnsIsIdempotentAndCaseInsensitive(t *testing.T) {
	wb, _ := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName, "estado"))
	require.NoError(t, wb.EnsureColumns(ColName, ColState))
	assert.Equal(t, []string{ColName, "estado"}, wb.Headers())
}

func TestAddRowAndRowRoundTrip(t *testing.T) {
	wb, _ := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName, ColCURP, ColState))

	idx, err := wb.AddRow(map[string]string{
		ColName: "Juan Pérez",
		ColCURP: "PEPJ800101HDFRRN09",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	count, err := wb.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	row, err := wb.Row(1)
	require.NoError(t, err)
	assert.Equal(t, "Juan Pérez", row[ColName])
	assert.Equal(t, "PEPJ800101HDFRRN09", row[ColCURP])
	assert.Equal(t, "", row[ColState])
}

func TestUpdateRowStampsTimestamp(t *testing.T) {
	wb, _ := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName, ColState, ColUpdatedAt))
	_, err := wb.AddRow(map[string]string{ColName: "Ana"})
	require.NoError(t, err)

	wb.now = func() time.Time {
		return time.Date(2026, 8, 31, 10, 30, 0, 0, time.UTC)
	}
	require.NoError(t, wb.UpdateRow(1, map[string]string{ColState: "completado"}))

	row, err := wb.Row(1)
	require.NoError(t, err)
	assert.Equal(t, "completado", row[ColState])
	assert.Equal(t, "2026-08-31 10:30:00", row[ColUpdatedAt])
}

func TestUpdateRowRejectsUnknownColumn(t *testing.T) {
	wb, _ := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName))
	_, err := wb.AddRow(map[string]string{ColName: "Ana"})
	require.NoError(t, err)

	err = wb.UpdateRow(1, map[string]string{"NoExiste": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoExiste")
}

func TestRowOutOfRange(t *testing.T) {
	wb, _ := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName))
	_, err := wb.Row(1)
	assert.Error(t, err)
}

func TestSaveKeepsBackupOfPreviousFile(t *testing.T) {
	wb, path := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName))
	require.NoError(t, wb.Save(context.Background()))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = wb.AddRow(map[string]string{ColName: "Ana"})
	require.NoError(t, err)
	require.NoError(t, wb.Save(context.Background()))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, first, backup)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(filepath.Dir(path), ".clientes.tmp.xlsx"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveWritesLoadableFile(t *testing.T) {
	wb, path := testWorkbook(t)
	require.NoError(t, wb.EnsureColumns(ColName, ColState))
	_, err := wb.AddRow(map[string]string{ColName: "Juan", ColState: "completado"})
	require.NoError(t, err)
	require.NoError(t, wb.Save(context.Background()))

	reopened, err := Open(config.StorageConfig{WorkbookPath: path, Sheet: "Clientes"}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	row, err := reopened.Row(1)
	require.NoError(t, err)
	assert.Equal(t, "Juan", row[ColName])
	assert.Equal(t, "completado", row[ColState])
}
