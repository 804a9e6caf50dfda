// internal/downloads/downloads.go
//
// Package downloads implements the file-acquisition half of the portal
// workflow: waiting for the browser's download queue to settle, then moving
// the raw files into the client's folder and classifying them by filename.
package downloads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
)

// Protocol observes a temp download directory written by the browser's own
// download mechanism. It only lists; it never locks, so callers must not run
// two concurrent acquisitions against the same directory.
type Protocol struct {
	cfg    config.DownloadsConfig
	logger *zap.Logger
}

// NewProtocol builds a Protocol; zero-valued settle knobs get defaults.
func NewProtocol(cfg config.DownloadsConfig, logger *zap.Logger) *Protocol {
	if cfg.InProgressSuffix == "" {
		cfg.InProgressSuffix = ".crdownload"
	}
	if cfg.SettlePoll <= 0 {
		cfg.SettlePoll = 250 * time.Millisecond
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf"}
	}
	return &Protocol{cfg: cfg, logger: logger.Named("downloads")}
}

// WaitForSettle polls tempDir until no entry carries the in-progress suffix
// or the timeout elapses. A timeout is not a hard failure: the caller still
// gets whatever files are present, it just learns the wait did not complete.
func (p *Protocol) WaitForSettle(ctx context.Context, tempDir string) bool {
	deadline := time.Now().Add(p.cfg.SettleTimeout)
	for {
		if !p.anyInProgress(tempDir) {
			return true
		}
		if time.Now().After(deadline) {
			p.logger.Warn("Timed out waiting for downloads to settle.", zap.String("dir", tempDir))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.cfg.SettlePoll):
		}
	}
}

func (p *Protocol) anyInProgress(tempDir string) bool {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		// A missing directory has nothing in progress.
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), p.cfg.InProgressSuffix) {
			return true
		}
	}
	return false
}

// ListSettled returns the names of completed files in tempDir.
func (p *Protocol) ListSettled(tempDir string) []string {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), p.cfg.InProgressSuffix) {
			names = append(names, e.Name())
		}
	}
	return names
}

// Batch is the outcome of one move-and-classify pass. Per-file errors are
// collected, not fatal: partial success still yields usable paths.
type Batch struct {
	FinalPaths []string
	DestFolder string
	// ReceiptPath is the client-named "comprobante" file to persist to the
	// spreadsheet, chosen by the precedence rules in classify.
	ReceiptPath string
	Errors      []string
}

// MoveAndClassify moves every settled, allowed-extension file from tempDir
// into destRoot/subfolder and renames recognizable documents after the
// client. Name collisions get an incrementing " (n)" counter.
func (p *Protocol) MoveAndClassify(tempDir, destRoot, subfolder, clientName string) Batch {
	var batch Batch

	destFolder := destRoot
	if subfolder != "" {
		destFolder = filepath.Join(destRoot, subfolder)
	}
	destFolder, err := filepath.Abs(destFolder)
	if err != nil {
		batch.Errors = append(batch.Errors, fmt.Sprintf("resolving destination: %v", err))
		return batch
	}
	batch.DestFolder = destFolder
	if err := os.MkdirAll(destFolder, 0o755); err != nil {
		batch.Errors = append(batch.Errors, fmt.Sprintf("creating destination: %v", err))
		return batch
	}

	moved := p.moveSettled(tempDir, destFolder, &batch)
	if len(moved) == 0 {
		batch.Errors = append(batch.Errors, "no files to move from the temp download directory")
		return batch
	}

	client := SanitizeClientName(clientName)
	var renamedReceipt string
	for _, src := range moved {
		final := src
		if suffix := classifySuffix(filepath.Base(src)); suffix != "" {
			ext := filepath.Ext(src)
			if ext == "" {
				ext = ".pdf"
			}
			target := uniquePath(destFolder, client+"_"+suffix, ext)
			if err := os.Rename(src, target); err != nil {
				batch.Errors = append(batch.Errors, fmt.Sprintf("renaming %s: %v", src, err))
			} else {
				final = target
				if suffix == receiptSuffix && renamedReceipt == "" {
					renamedReceipt = target
				}
			}
		}
		batch.FinalPaths = append(batch.FinalPaths, final)
	}

	batch.ReceiptPath = p.pickReceipt(destFolder, client, renamedReceipt, batch.FinalPaths)
	return batch
}

func (p *Protocol) moveSettled(tempDir, destFolder string, batch *Batch) []string {
	var moved []string
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		batch.Errors = append(batch.Errors, fmt.Sprintf("listing temp dir: %v", err))
		return nil
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, p.cfg.InProgressSuffix) {
			continue
		}
		if !p.extensionAllowed(name) {
			continue
		}
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		dest := uniquePath(destFolder, base, ext)
		if err := os.Rename(filepath.Join(tempDir, name), dest); err != nil {
			batch.Errors = append(batch.Errors, fmt.Sprintf("moving %s: %v", name, err))
			continue
		}
		moved = append(moved, dest)
	}
	return moved
}

func (p *Protocol) extensionAllowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range p.cfg.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

const (
	receiptSuffix = "Comprobante"
	captureSuffix = "lineaCaptura"
)

// classifySuffix maps a downloaded filename to its client-facing rename
// suffix, or "" to leave the file as-is.
func classifySuffix(base string) string {
	lower := strings.ToLower(base)
	switch {
	case strings.Contains(lower, "comprobante"):
		return receiptSuffix
	case strings.Contains(lower, "lineacaptura"),
		strings.Contains(lower, "linea"),
		strings.Contains(lower, "captura"):
		return captureSuffix
	default:
		return ""
	}
}

// pickReceipt selects the receipt to persist: an existing destination file
// named after the client and mentioning "comprobante", else the file renamed
// as Comprobante in this batch, else the first moved file.
func (p *Protocol) pickReceipt(destFolder, client, renamedReceipt string, finals []string) string {
	entries, err := os.ReadDir(destFolder)
	if err == nil {
		clientLower := strings.ToLower(client)
		for _, e := range entries {
			lower := strings.ToLower(e.Name())
			if strings.HasPrefix(lower, clientLower) &&
				strings.Contains(lower, "comprobante") &&
				strings.HasSuffix(lower, ".pdf") {
				return filepath.Join(destFolder, e.Name())
			}
		}
	}
	if renamedReceipt != "" {
		return renamedReceipt
	}
	if len(finals) > 0 {
		return finals[0]
	}
	return ""
}

// uniquePath returns dir/base+ext, appending " (n)" until the name is free.
func uniquePath(dir, base, ext string) string {
	candidate := filepath.Join(dir, base+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, i, ext))
	}
}

// invalidNameChars are stripped from client names before they become
// filenames. Accents are deliberately preserved.
const invalidNameChars = `<>:"/\|?*` + "\n\r\t"

// SanitizeClientName strips filesystem-invalid characters, collapses runs of
// spaces, and caps the length. An empty result falls back to "Cliente".
func SanitizeClientName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if !strings.ContainsRune(invalidNameChars, r) {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "Cliente"
	}
	return s
}
