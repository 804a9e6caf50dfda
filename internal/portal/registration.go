// internal/portal/registration.go
package portal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser"
)

// ConfirmStatus is the outcome of walking the confirmation sequence.
type ConfirmStatus string

const (
	ConfirmOK                ConfirmStatus = "ok"
	ConfirmAlreadyRegistered ConfirmStatus = "already_registered"
	ConfirmError             ConfirmStatus = "error"
)

// ConfirmResult reports how far the sequence got.
type ConfirmResult struct {
	Status ConfirmStatus
	// StepsDone counts the sequence buttons successfully clicked.
	StepsDone int
	Err       error
}

// CompleteRegistration clicks through the fixed confirmation sequence. The
// portal only renders these buttons for people it does not know yet, so the
// first one that cannot be located means the person is already registered:
// the flow stops there, the exit button is clicked best-effort and later
// steps are never attempted. A button that is present but will not click is
// a real failure.
func (s *FormSession) CompleteRegistration(ctx context.Context) ConfirmResult {
	if s.drv == nil {
		return ConfirmResult{Status: ConfirmError, Err: browser.ErrNoDriver}
	}

	for i, id := range s.cfg.ConfirmSequence {
		el, err := s.loc.Locate(ctx, browser.SelectorSet{"#" + id}, s.cfg.StepTimeout)
		if err != nil {
			s.logger.Info("Confirmation button absent, treating as already registered.",
				zap.Int("step", i+1), zap.String("id", id))
			s.exitBestEffort(ctx)
			return ConfirmResult{Status: ConfirmAlreadyRegistered, StepsDone: i}
		}
		if err := el.Click(ctx); err != nil {
			return ConfirmResult{
				Status:    ConfirmError,
				StepsDone: i,
				Err:       fmt.Errorf("clicking confirm step %d (%s): %w", i+1, id, err),
			}
		}
		s.logger.Debug("Confirm step clicked.", zap.Int("step", i+1), zap.String("id", id))
	}
	return ConfirmResult{Status: ConfirmOK, StepsDone: len(s.cfg.ConfirmSequence)}
}

func (s *FormSession) exitBestEffort(ctx context.Context) {
	if !s.loc.ClickFirstPresent(ctx, browser.SelectorSet{"#" + s.cfg.ExitButton}) {
		s.logger.Debug("Exit button not clickable, leaving page as-is.")
	}
}

// DownloadStatus is the outcome of triggering the receipt downloads.
type DownloadStatus string

const (
	DownloadsOK            DownloadStatus = "ok"
	DownloadsNotRegistered DownloadStatus = "not_registered"
	DownloadsNoIcons       DownloadStatus = "no_icons"
	DownloadsWaitFailed    DownloadStatus = "wait_failed"
	DownloadsError         DownloadStatus = "error"
)

// DownloadResult reports the trigger outcome and the settled temp files.
type DownloadResult struct {
	Status    DownloadStatus
	Clicked   int
	TempFiles []string
	Err       error
}

// SettleWaiter blocks until the download directory settles or its own
// timeout expires, reporting which. It also lists the settled files.
type SettleWaiter interface {
	WaitForSettle(ctx context.Context, dir string) bool
	ListSettled(dir string) []string
}

// InitiateDownloads clicks up to maxClicks document icons on the results page
// and waits for the resulting files to settle in tempDir. A visible cancel
// button means the portal bounced us back to the form, so the person is not
// registered. Icons are re-resolved once after a failed click because the
// page re-renders them between clicks.
func (s *FormSession) InitiateDownloads(ctx context.Context, maxClicks int, tempDir string, waiter SettleWaiter) DownloadResult {
	if s.drv == nil {
		return DownloadResult{Status: DownloadsError, Err: browser.ErrNoDriver}
	}

	if s.cancelBounce(ctx) {
		return DownloadResult{Status: DownloadsNotRegistered}
	}

	icons, err := s.documentIcons(ctx)
	if err != nil {
		return DownloadResult{Status: DownloadsError, Err: err}
	}
	if len(icons) == 0 {
		return DownloadResult{Status: DownloadsNoIcons}
	}

	clicked := 0
	for i := 0; i < len(icons) && clicked < maxClicks; i++ {
		if err := icons[i].Click(ctx); err != nil {
			// Stale node after the page re-rendered; re-resolve once and
			// click the same position.
			s.logger.Debug("Icon click failed, re-resolving.", zap.Int("index", i), zap.Error(err))
			fresh, ferr := s.documentIcons(ctx)
			if ferr != nil || i >= len(fresh) {
				continue
			}
			if err := fresh[i].Click(ctx); err != nil {
				s.logger.Warn("Icon click failed after re-resolve.", zap.Int("index", i), zap.Error(err))
				continue
			}
			icons = fresh
		}
		clicked++
		// Give the browser a beat to enqueue the download before the next
		// click re-renders the row.
		select {
		case <-ctx.Done():
			return DownloadResult{Status: DownloadsError, Clicked: clicked, Err: ctx.Err()}
		case <-time.After(s.cfg.StepTimeout):
		}
	}
	if clicked == 0 {
		return DownloadResult{Status: DownloadsError, Err: fmt.Errorf("no document icon could be clicked")}
	}

	settled := waiter.WaitForSettle(ctx, tempDir)
	files := waiter.ListSettled(tempDir)
	if !settled {
		return DownloadResult{Status: DownloadsWaitFailed, Clicked: clicked, TempFiles: files}
	}
	return DownloadResult{Status: DownloadsOK, Clicked: clicked, TempFiles: files}
}

// cancelBounce detects the portal bouncing back to the form after
// confirmation. The visible cancel button is clicked to dismiss the bounced
// page before the not-registered verdict is reported.
func (s *FormSession) cancelBounce(ctx context.Context) bool {
	els, err := s.drv.Find(ctx, "#"+s.cfg.CancelButton)
	if err != nil || len(els) == 0 {
		return false
	}
	if visible, _ := els[0].Visible(ctx); !visible {
		return false
	}
	if err := els[0].Click(ctx); err != nil {
		s.logger.Debug("Cancel button would not click.", zap.Error(err))
	}
	return true
}

func (s *FormSession) documentIcons(ctx context.Context) ([]browser.Element, error) {
	els, err := s.drv.Find(ctx, s.cfg.DocumentIcon)
	if err != nil {
		return nil, fmt.Errorf("querying document icons: %w", err)
	}
	var visible []browser.Element
	for _, el := range els {
		if ok, _ := el.Visible(ctx); ok {
			visible = append(visible, el)
		}
	}
	return visible, nil
}

// PageMentions reports whether the current page source contains the phrase,
// case-insensitively. Used by callers probing for portal banners that have
// no stable element id.
func (s *FormSession) PageMentions(ctx context.Context, phrase string) bool {
	src, err := s.drv.PageSource(ctx)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(src), strings.ToLower(phrase))
}
