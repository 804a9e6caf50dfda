// internal/browser/artifacts.go
package browser

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// maxSourceDump caps the page-source artifact so a huge SPA document cannot
// fill the disk.
const maxSourceDump = 500_000

// SaveDiagnostics captures a screenshot and a truncated page-source dump for
// post-mortem debugging. It is best-effort: its own failures are logged and
// swallowed, never surfaced to the caller. Returns the paths written.
func SaveDiagnostics(ctx context.Context, drv Driver, dir, label string, logger *zap.Logger) []string {
	var written []string
	if drv == nil {
		return written
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Debug("Could not create artifacts dir.", zap.Error(err))
		return written
	}

	if png, err := drv.Screenshot(ctx); err == nil {
		path := filepath.Join(dir, label+".png")
		if err := os.WriteFile(path, png, 0o644); err == nil {
			written = append(written, path)
		}
	} else {
		logger.Debug("Diagnostic screenshot failed.", zap.Error(err))
	}

	if src, err := drv.PageSource(ctx); err == nil && src != "" {
		if len(src) > maxSourceDump {
			src = src[:maxSourceDump]
		}
		path := filepath.Join(dir, label+".html")
		if err := os.WriteFile(path, []byte(src), 0o644); err == nil {
			written = append(written, path)
		}
	} else if err != nil {
		logger.Debug("Diagnostic page-source dump failed.", zap.Error(err))
	}

	if len(written) > 0 {
		logger.Info("Saved diagnostic artifacts.", zap.Strings("paths", written))
	}
	return written
}
