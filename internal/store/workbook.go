// internal/store/workbook.go
//
// Package store persists the operator's client list in an xlsx workbook.
// The workbook is the single source of truth for which clients still need
// processing, so saves are atomic: a backup of the previous file is kept
// and the new content lands via rename, never a partial write.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
)

// Well-known workbook columns. Operator workbooks may carry extra columns;
// these are the ones the workflow reads and writes.
const (
	ColName         = "Nombre"
	ColCURP         = "CURP"
	ColRFC          = "RFC"
	ColNSS          = "NSS"
	ColEmail        = "Email"
	ColPhone        = "Telefono"
	ColState        = "Estado"
	ColCaptchaTries = "IntentosCaptcha"
	ColFile         = "Archivo"
	ColPDFFolder    = "CarpetaPDF"
	ColPDF          = "PDF"
	ColUpdatedAt    = "UltimaActualizacion"
)

// WorkflowColumns are the columns the workflow requires; EnsureColumns adds
// any that the operator's workbook is missing.
var WorkflowColumns = []string{
	ColState, ColCaptchaTries, ColFile, ColPDFFolder, ColPDF, ColUpdatedAt,
}

const timestampLayout = "2006-01-02 15:04:05"

// Workbook wraps one xlsx file. All access is serialized; excelize files are
// not safe for concurrent mutation.
type Workbook struct {
	mu      sync.Mutex
	f       *excelize.File
	path    string
	sheet   string
	headers []string
	logger  *zap.Logger
	now     func() time.Time
}

// Open loads the workbook at cfg.WorkbookPath, creating a fresh one with the
// configured sheet when the file does not exist yet.
func Open(cfg config.StorageConfig, logger *zap.Logger) (*Workbook, error) {
	if cfg.WorkbookPath == "" {
		return nil, fmt.Errorf("no workbook path configured")
	}
	sheet := cfg.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	}

	var f *excelize.File
	if _, err := os.Stat(cfg.WorkbookPath); os.IsNotExist(err) {
		f = excelize.NewFile()
		if sheet != "Sheet1" {
			idx, err := f.NewSheet(sheet)
			if err != nil {
				return nil, fmt.Errorf("creating sheet %q: %w", sheet, err)
			}
			f.SetActiveSheet(idx)
			if err := f.DeleteSheet("Sheet1"); err != nil {
				return nil, fmt.Errorf("dropping default sheet: %w", err)
			}
		}
	} else {
		f, err = excelize.OpenFile(cfg.WorkbookPath)
		if err != nil {
			return nil, fmt.Errorf("opening workbook: %w", err)
		}
	}

	wb := &Workbook{
		f:      f,
		path:   cfg.WorkbookPath,
		sheet:  sheet,
		logger: logger.Named("store"),
		now:    time.Now,
	}
	if err := wb.loadHeaders(); err != nil {
		return nil, err
	}
	return wb, nil
}

func (w *Workbook) loadHeaders() error {
	rows, err := w.f.GetRows(w.sheet)
	if err != nil {
		return fmt.Errorf("reading sheet %q: %w", w.sheet, err)
	}
	if len(rows) > 0 {
		w.headers = rows[0]
	}
	return nil
}

// Close releases the underlying file handle without saving.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Headers returns a copy of the header row.
func (w *Workbook) Headers() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.headers))
	copy(out, w.headers)
	return out
}

// EnsureColumns appends any missing columns to the header row. Existing
// column order is never disturbed; operators sort their sheets by hand.
func (w *Workbook) EnsureColumns(names ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, name := range names {
		if w.columnIndexLocked(name) >= 0 {
			continue
		}
		col := len(w.headers) + 1
		cell, err := excelize.CoordinatesToCellName(col, 1)
		if err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		if err := w.f.SetCellValue(w.sheet, cell, name); err != nil {
			return fmt.Errorf("writing header %q: %w", name, err)
		}
		w.headers = append(w.headers, name)
	}
	return nil
}

// columnIndexLocked matches headers case-insensitively; operator sheets are
// not consistent about casing.
func (w *Workbook) columnIndexLocked(name string) int {
	for i, h := range w.headers {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// RowCount returns the number of data rows below the header.
func (w *Workbook) RowCount() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, err := w.f.GetRows(w.sheet)
	if err != nil {
		return 0, fmt.Errorf("reading sheet: %w", err)
	}
	if len(rows) <= 1 {
		return 0, nil
	}
	return len(rows) - 1, nil
}

// Row returns the 1-based data row as a header-keyed map. Cells beyond the
// row's last value read as empty strings.
func (w *Workbook) Row(i int) (map[string]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 1 {
		return nil, fmt.Errorf("row index %d out of range", i)
	}
	rows, err := w.f.GetRows(w.sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet: %w", err)
	}
	if i >= len(rows) {
		return nil, fmt.Errorf("row index %d out of range (have %d data rows)", i, len(rows)-1)
	}
	raw := rows[i]
	out := make(map[string]string, len(w.headers))
	for col, header := range w.headers {
		if col < len(raw) {
			out[header] = raw[col]
		} else {
			out[header] = ""
		}
	}
	return out, nil
}

// UpdateRow writes the given values into the 1-based data row and stamps
// UltimaActualizacion. Unknown column names are an error so typos surface
// in tests instead of silently dropping data.
func (w *Workbook) UpdateRow(i int, values map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 1 {
		return fmt.Errorf("row index %d out of range", i)
	}
	for name, value := range values {
		if err := w.setCellLocked(i+1, name, value); err != nil {
			return err
		}
	}
	if w.columnIndexLocked(ColUpdatedAt) >= 0 {
		if err := w.setCellLocked(i+1, ColUpdatedAt, w.now().Format(timestampLayout)); err != nil {
			return err
		}
	}
	return nil
}

// AddRow appends a data row from header-keyed values.
func (w *Workbook) AddRow(values map[string]string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows, err := w.f.GetRows(w.sheet)
	if err != nil {
		return 0, fmt.Errorf("reading sheet: %w", err)
	}
	rowNum := len(rows) + 1
	if rowNum < 2 {
		rowNum = 2
	}
	for name, value := range values {
		if err := w.setCellLocked(rowNum, name, value); err != nil {
			return 0, err
		}
	}
	return rowNum - 1, nil
}

func (w *Workbook) setCellLocked(rowNum int, column, value string) error {
	idx := w.columnIndexLocked(column)
	if idx < 0 {
		return fmt.Errorf("unknown column %q", column)
	}
	cell, err := excelize.CoordinatesToCellName(idx+1, rowNum)
	if err != nil {
		return fmt.Errorf("cell for column %q: %w", column, err)
	}
	if err := w.f.SetCellValue(w.sheet, cell, value); err != nil {
		return fmt.Errorf("writing %s: %w", cell, err)
	}
	return nil
}

// saveRetryDelay spaces retries when the operator has the workbook open in
// Excel, which holds a write lock on Windows shares.
const saveRetryDelay = 500 * time.Millisecond

// Save writes the workbook atomically: back up the current file, write the
// new content to a temp file and rename it into place. Renames are retried
// until the context expires.
func (w *Workbook) Save(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := os.Stat(w.path); err == nil {
		if data, err := os.ReadFile(w.path); err == nil {
			if err := os.WriteFile(w.path+".bak", data, 0o644); err != nil {
				w.logger.Warn("Could not write workbook backup.", zap.Error(err))
			}
		}
	}

	// The temp name must keep the .xlsx extension: excelize refuses to
	// save under an extension it does not recognize.
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(filepath.Base(w.path), ext)
	tmp := filepath.Join(filepath.Dir(w.path), "."+base+".tmp"+ext)
	if err := w.f.SaveAs(tmp); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}

	for {
		err := os.Rename(tmp, w.path)
		if err == nil {
			w.logger.Debug("Workbook saved.", zap.String("path", w.path))
			return nil
		}
		w.logger.Warn("Workbook rename failed, retrying.", zap.Error(err))
		select {
		case <-ctx.Done():
			_ = os.Remove(tmp)
			return fmt.Errorf("saving workbook: %w", err)
		case <-time.After(saveRetryDelay):
		}
	}
}
