// internal/whatsapp/session.go
//
// Package whatsapp drives an authenticated WhatsApp Web session: detecting
// login state, opening conversations and sending documents. Element lookup
// is defensive throughout because the upstream markup changes without
// notice; every logical element is resolved through ordered selector sets
// and heuristic scoring rather than a single selector.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser"
	"github.com/mxtramites/tramitador/internal/config"
)

// SessionStatus is the outcome of an Open call.
type SessionStatus string

const (
	SessionOK        SessionStatus = "ok"
	SessionNeedsAuth SessionStatus = "needs_auth"
	SessionError     SessionStatus = "error"
)

// OpenResult reports login state after Open. QRPath is set only for
// NeedsAuth, pointing at the captured QR image for the operator to scan.
type OpenResult struct {
	Status SessionStatus
	QRPath string
	Err    error
}

// qrSelectors locate the login QR canvas across markup versions.
var qrSelectors = browser.SelectorSet{
	"canvas[aria-label='Scan this QR code to link a device!']",
	"div[data-ref] canvas",
	"canvas",
}

// Session wraps a driver with WhatsApp Web behavior. It never caches login
// state: every probe asks the live page.
type Session struct {
	drv     browser.Driver
	loc     *browser.Locator
	cfg     config.WhatsAppConfig
	navWait time.Duration
	logger  *zap.Logger
	// ownsDriver records whether Close may shut the driver down. A session
	// borrowing the portal's browser must never close it.
	ownsDriver bool
}

// NewSession wires a session over a borrowed driver; Close leaves the
// driver running.
func NewSession(drv browser.Driver, cfg config.WhatsAppConfig, navWait time.Duration, logger *zap.Logger) *Session {
	return newSession(drv, cfg, navWait, logger, false)
}

// NewOwnedSession wires a session over a driver dedicated to it; Close
// shuts the driver down.
func NewOwnedSession(drv browser.Driver, cfg config.WhatsAppConfig, navWait time.Duration, logger *zap.Logger) *Session {
	return newSession(drv, cfg, navWait, logger, true)
}

func newSession(drv browser.Driver, cfg config.WhatsAppConfig, navWait time.Duration, logger *zap.Logger, owns bool) *Session {
	l := logger.Named("whatsapp")
	return &Session{
		drv:        drv,
		loc:        browser.NewLocator(drv, l, 0),
		cfg:        cfg,
		navWait:    navWait,
		logger:     l,
		ownsDriver: owns,
	}
}

// Close releases the driver only when the session owns it.
func (s *Session) Close(ctx context.Context) error {
	if !s.ownsDriver || s.drv == nil {
		return nil
	}
	return s.drv.Close(ctx)
}

// Active reports whether the session is currently authenticated. Three
// independent signals are probed, and any single one marks the session
// active: a visible session marker in the DOM, the page URL sitting on
// WhatsApp Web, or cookie evidence of a login.
func (s *Session) Active(ctx context.Context) bool {
	if s.drv == nil {
		return false
	}
	if el, ok := s.loc.FirstPresent(ctx, browser.SelectorSet(s.cfg.Selectors.SessionMarkers)); ok {
		if visible, _ := el.Visible(ctx); visible {
			return true
		}
	}
	if url, err := s.drv.CurrentURL(ctx); err == nil && strings.Contains(url, "web.whatsapp.com") {
		return true
	}
	return s.cookieEvidence(ctx)
}

func (s *Session) cookieEvidence(ctx context.Context) bool {
	cookies, err := s.drv.Cookies(ctx)
	if err != nil {
		return false
	}
	for _, c := range cookies {
		if strings.Contains(strings.ToLower(c.Domain), "whatsapp") ||
			strings.Contains(strings.ToLower(c.Name), "wa") {
			return true
		}
	}
	return len(cookies) >= 2
}

// Open brings the session to WhatsApp Web and reports login state. It is
// idempotent: an already-active session is left untouched. When the QR page
// is showing, the QR is captured to disk so the operator can scan it.
func (s *Session) Open(ctx context.Context) OpenResult {
	if s.drv == nil {
		return OpenResult{Status: SessionError, Err: browser.ErrNoDriver}
	}
	if s.Active(ctx) {
		return OpenResult{Status: SessionOK}
	}
	if err := s.drv.Navigate(ctx, s.cfg.BaseURL, s.navWait); err != nil {
		return OpenResult{Status: SessionError, Err: fmt.Errorf("opening whatsapp web: %w", err)}
	}
	if _, err := s.loc.Locate(ctx, browser.SelectorSet(s.cfg.Selectors.SessionMarkers), s.cfg.DefaultWait); err == nil {
		return OpenResult{Status: SessionOK}
	}

	path, err := s.captureQR(ctx)
	if err != nil {
		return OpenResult{Status: SessionError, Err: err}
	}
	s.logger.Info("WhatsApp session needs authentication.", zap.String("qr", path))
	return OpenResult{Status: SessionNeedsAuth, QRPath: path}
}

// captureQR screenshots the QR canvas, or the whole page when the canvas
// cannot be isolated, and writes it to the configured path.
func (s *Session) captureQR(ctx context.Context) (string, error) {
	var png []byte
	if el, ok := s.loc.FirstPresent(ctx, qrSelectors); ok {
		if data, err := el.Screenshot(ctx); err == nil {
			png = data
		}
	}
	if png == nil {
		data, err := s.drv.Screenshot(ctx)
		if err != nil {
			return "", fmt.Errorf("capturing QR: %w", err)
		}
		png = data
	}
	path := s.cfg.QRImagePath
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("qr dir: %w", err)
		}
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("writing QR image: %w", err)
	}
	return path, nil
}
