// internal/portal/form.go
//
// Package portal drives the government registration portal: filling the
// enrollment form, walking the confirmation sequence and triggering the
// receipt downloads. Every operation reports a closed status vocabulary so
// the orchestrator can switch exhaustively instead of parsing error strings.
package portal

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

// FillStatus is the outcome of one fill-and-validate attempt.
type FillStatus string

const (
	FillOK          FillStatus = "ok"
	FillFieldError  FillStatus = "field_error"
	FillClickFailed FillStatus = "click_failed"
	FillFormError   FillStatus = "form_error"
	FillDriverError FillStatus = "driver_error"
)

// FillResult carries the status plus whatever detail that status implies.
// FieldErrors maps error element ids to their verbatim on-page text.
type FillResult struct {
	Status      FillStatus
	FieldErrors map[string]string
	FormError   string
	Err         error
}

// Fields are the values typed into the enrollment form. All six are required;
// the captcha solution comes from the operator.
type Fields struct {
	CURP         string
	RFC          string
	NSS          string
	Email        string
	EmailConfirm string
	Captcha      string
}

// fieldIDs maps form values to the portal's input element ids in fill order.
func (f Fields) fieldIDs() []struct{ id, value string } {
	return []struct{ id, value string }{
		{"curp", f.CURP},
		{"rfc", f.RFC},
		{"nss", f.NSS},
		{"email", f.Email},
		{"emailConfirmacion", f.EmailConfirm},
		{"captcha", f.Captcha},
	}
}

// FormSession owns one pass through the enrollment form on an already-open
// driver. It never closes the driver; the caller decides the browser's fate.
type FormSession struct {
	drv     browser.Driver
	loc     *browser.Locator
	cfg     config.PortalConfig
	navWait time.Duration
	logger  *zap.Logger
}

// NewFormSession wires a session over a shared driver.
func NewFormSession(drv browser.Driver, cfg config.PortalConfig, navWait time.Duration, logger *zap.Logger) *FormSession {
	l := logger.Named("portal")
	return &FormSession{
		drv:     drv,
		loc:     browser.NewLocator(drv, l, 0),
		cfg:     cfg,
		navWait: navWait,
		logger:  l,
	}
}

// Open navigates to the portal's registration page.
func (s *FormSession) Open(ctx context.Context) error {
	if s.drv == nil {
		return browser.ErrNoDriver
	}
	if err := s.drv.Navigate(ctx, s.cfg.URL, s.navWait); err != nil {
		return fmt.Errorf("opening registration portal: %w", err)
	}
	return nil
}

// CaptchaImage waits for the captcha element to render with non-zero size,
// screenshots it and writes the PNG to the configured path. A zero-sized
// captcha means the page has not finished loading; we keep polling until the
// step timeout expires.
func (s *FormSession) CaptchaImage(ctx context.Context) (string, error) {
	el, err := s.loc.Locate(ctx, browser.SelectorSet{"#" + s.cfg.CaptchaElement}, s.cfg.DownloadTimeout)
	if err != nil {
		return "", fmt.Errorf("captcha element: %w", err)
	}
	png, err := el.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("captcha screenshot: %w", err)
	}
	path := s.cfg.CaptchaPath
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("captcha dir: %w", err)
		}
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("writing captcha image: %w", err)
	}
	s.logger.Info("Captcha image captured.", zap.String("path", path))
	return path, nil
}

// FillAndValidate types the six field values and classifies the portal's
// response. The portal validates individual fields on blur, so inline field
// errors are polled after typing and reported before the continue button is
// ever clicked; only the captcha-level form error requires a submit to
// surface. Empty required fields are rejected locally before anything is
// typed or clicked.
func (s *FormSession) FillAndValidate(ctx context.Context, fields Fields) FillResult {
	if s.drv == nil {
		return FillResult{Status: FillDriverError, Err: browser.ErrNoDriver}
	}

	if missing := emptyFieldIDs(fields); len(missing) > 0 {
		errs := make(map[string]string, len(missing))
		for _, id := range missing {
			errs[id] = "campo requerido vacío"
		}
		return FillResult{Status: FillFieldError, FieldErrors: errs}
	}

	for _, f := range fields.fieldIDs() {
		if err := s.fillField(ctx, f.id, f.value); err != nil {
			return FillResult{Status: FillDriverError, Err: err}
		}
	}

	if fieldErrs := s.pollFieldErrors(ctx); len(fieldErrs) > 0 {
		return FillResult{Status: FillFieldError, FieldErrors: fieldErrs}
	}

	if err := s.clickByID(ctx, s.cfg.ContinueButton); err != nil {
		return FillResult{Status: FillClickFailed, Err: err}
	}

	// The portal renders the captcha verdict in place rather than
	// navigating, so give it one step-timeout to paint it.
	s.settle(ctx)

	if formErr, ok := s.visibleText(ctx, s.cfg.FormErrorID); ok {
		return FillResult{Status: FillFormError, FormError: formErr}
	}
	return FillResult{Status: FillOK}
}

// pollFieldErrors gives the portal one step-timeout to paint inline field
// errors after typing, returning as soon as any shows up.
func (s *FormSession) pollFieldErrors(ctx context.Context) map[string]string {
	deadline := time.Now().Add(s.cfg.StepTimeout)
	for {
		if errs := s.visibleFieldErrors(ctx); len(errs) > 0 {
			return errs
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.StepTimeout / 4):
		}
	}
}

func emptyFieldIDs(fields Fields) []string {
	var missing []string
	for _, f := range fields.fieldIDs() {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.id)
		}
	}
	return missing
}

func (s *FormSession) fillField(ctx context.Context, id, value string) error {
	el, err := s.loc.Locate(ctx, browser.SelectorSet{"#" + id}, s.cfg.StepTimeout)
	if err != nil {
		return fmt.Errorf("field %s: %w", id, err)
	}
	if err := el.Clear(ctx); err != nil {
		return fmt.Errorf("clearing %s: %w", id, err)
	}
	if err := el.SendKeys(ctx, value); err != nil {
		return fmt.Errorf("typing %s: %w", id, err)
	}
	return nil
}

func (s *FormSession) clickByID(ctx context.Context, id string) error {
	el, err := s.loc.Locate(ctx, browser.SelectorSet{"#" + id}, s.cfg.StepTimeout)
	if err != nil {
		return fmt.Errorf("button %s: %w", id, err)
	}
	if err := el.Click(ctx); err != nil {
		return fmt.Errorf("clicking %s: %w", id, err)
	}
	return nil
}

// visibleFieldErrors collects the verbatim text of every visible, non-empty
// field error element.
func (s *FormSession) visibleFieldErrors(ctx context.Context) map[string]string {
	errs := make(map[string]string)
	for _, id := range s.cfg.FieldErrorIDs {
		if text, ok := s.visibleText(ctx, id); ok {
			errs[id] = text
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// visibleText reports the trimmed text of an element by id when the element
// exists, is displayed and has non-empty text.
func (s *FormSession) visibleText(ctx context.Context, id string) (string, bool) {
	els, err := s.drv.Find(ctx, "#"+id)
	if err != nil || len(els) == 0 {
		return "", false
	}
	el := els[0]
	if visible, _ := el.Visible(ctx); !visible {
		return "", false
	}
	text, err := el.Text(ctx)
	if err != nil {
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	return text, true
}

func (s *FormSession) settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.StepTimeout):
	}
}
