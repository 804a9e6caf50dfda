// internal/whatsapp/attach.go
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
)

// SendStatus is the outcome of an attachment send.
type SendStatus string

const (
	SendOK        SendStatus = "ok"
	SendNeedsAuth SendStatus = "needs_auth"
	SendError     SendStatus = "error"
)

// SendResult reports the outcome plus the strategy that opened the chat and,
// when WhatsApp rejected the file, the on-screen failure text. QRPath is set
// only for NeedsAuth, pointing at the captured QR image.
type SendResult struct {
	Status       SendStatus
	OpenStrategy string
	FailureText  string
	QRPath       string
	Err          error
}

// SendDocument delivers a file, with an optional caption message, to the
// contact's conversation. The file is validated before any navigation
// happens: a bad path must not leave the browser somewhere unexpected. A
// logged-out session is reported as NeedsAuth with a fresh QR capture so the
// operator can re-link instead of burning through the remaining clients.
func (s *Session) SendDocument(ctx context.Context, contact, phone, message, filePath string) SendResult {
	if s.drv == nil {
		return SendResult{Status: SendError, Err: browser.ErrNoDriver}
	}

	absPath, err := validateAttachment(filePath)
	if err != nil {
		return SendResult{Status: SendError, Err: err}
	}

	switch open := s.Open(ctx); open.Status {
	case SessionNeedsAuth:
		return SendResult{Status: SendNeedsAuth, QRPath: open.QRPath}
	case SessionError:
		return SendResult{Status: SendError, Err: open.Err}
	case SessionOK:
	}

	strategy, err := s.OpenChat(ctx, contact, phone)
	if err != nil {
		return SendResult{Status: SendError, Err: err}
	}

	if message != "" {
		if err := s.SendText(ctx, message); err != nil {
			// The caption is secondary; the document still goes out.
			s.logger.Warn("Could not send caption message.", zap.Error(err))
		}
	}

	anchor, err := s.attachFile(ctx, absPath)
	if err != nil {
		browser.SaveDiagnostics(ctx, s.drv, s.cfg.ArtifactsDir, "attach_failed", s.logger)
		return SendResult{Status: SendError, OpenStrategy: strategy, Err: err}
	}

	// Let the attachment preview render before hunting for its send button.
	s.pause(ctx, s.cfg.DefaultWait/3)

	if err := s.clickSendButton(ctx, anchor); err != nil {
		browser.SaveDiagnostics(ctx, s.drv, s.cfg.ArtifactsDir, "send_button_failed", s.logger)
		s.dismissPreview(ctx)
		return SendResult{Status: SendError, OpenStrategy: strategy, Err: err}
	}

	if failure := s.detectFailure(ctx); failure != "" {
		browser.SaveDiagnostics(ctx, s.drv, s.cfg.ArtifactsDir, "send_rejected", s.logger)
		s.dismissPreview(ctx)
		return SendResult{
			Status:       SendError,
			OpenStrategy: strategy,
			FailureText:  failure,
			Err:          fmt.Errorf("whatsapp rejected the attachment: %s", failure),
		}
	}

	s.logger.Info("Document sent.", zap.String("contact", contact), zap.String("file", filepath.Base(absPath)))
	return SendResult{Status: SendOK, OpenStrategy: strategy}
}

func validateAttachment(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no attachment path given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving attachment path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("attachment not readable: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("attachment %s is a directory", abs)
	}
	return abs, nil
}

// attachFile opens the attach menu and feeds the file to the best-scoring
// file input. It returns the input's center as the anchor for send-button
// ranking.
func (s *Session) attachFile(ctx context.Context, absPath string) (browser.Point, error) {
	clip, err := s.loc.Locate(ctx, browser.SelectorSet(s.cfg.Selectors.ClipButton), s.cfg.DefaultWait)
	if err != nil {
		return browser.Point{}, fmt.Errorf("attach button: %w", err)
	}
	if err := clip.Click(ctx); err != nil {
		return browser.Point{}, fmt.Errorf("opening attach menu: %w", err)
	}

	inputs := s.collectCandidates(ctx, s.cfg.Selectors.FileInput)

	// Newer markup exposes only a media-capture input until the Document
	// menu entry is clicked; a lone media-only input is the tell.
	if len(inputs) == 1 && mediaOnlyAccept(ctx, inputs[0]) {
		if s.loc.ClickFirstPresent(ctx, browser.SelectorSet(s.cfg.Selectors.DocumentMenuItem)) {
			inputs = s.collectCandidates(ctx, s.cfg.Selectors.FileInput)
		}
	}

	// WhatsApp injects file inputs lazily once the menu opens; re-poll
	// before declaring none found.
	deadline := time.Now().Add(s.cfg.FileInputWait)
	for len(inputs) == 0 {
		if time.Now().After(deadline) {
			return browser.Point{}, fmt.Errorf("no file input found: %w", browser.ErrNotFound)
		}
		s.pause(ctx, 200*time.Millisecond)
		inputs = s.collectCandidates(ctx, s.cfg.Selectors.FileInput)
	}
	input, score := bestFileInput(ctx, inputs, s.cfg.Scoring)
	s.logger.Debug("File input chosen.", zap.String("id", input.ID()), zap.Int("score", score))

	if err := input.SetFiles(ctx, absPath); err != nil {
		// Hidden inputs reject files on some drivers; unhide and retry once.
		s.logger.Debug("SetFiles failed, forcing input visible.", zap.Error(err))
		if err := input.ForceVisible(ctx); err != nil {
			return browser.Point{}, fmt.Errorf("revealing file input: %w", err)
		}
		if err := input.SetFiles(ctx, absPath); err != nil {
			return browser.Point{}, fmt.Errorf("setting attachment: %w", err)
		}
	}
	return elementCenter(ctx, input), nil
}

// collectCandidates unions the matches of every selector in the set,
// deduplicating by element identity.
func (s *Session) collectCandidates(ctx context.Context, selectors []string) []browser.Element {
	seen := make(map[string]bool)
	var out []browser.Element
	for _, sel := range selectors {
		els, err := s.drv.Find(ctx, sel)
		if err != nil {
			continue
		}
		for _, el := range els {
			if seen[el.ID()] {
				continue
			}
			seen[el.ID()] = true
			out = append(out, el)
		}
	}
	return out
}

func (s *Session) clickSendButton(ctx context.Context, anchor browser.Point) error {
	deadline := time.Now().Add(s.cfg.DefaultWait)
	for {
		candidates := rankSendButtons(ctx, s.collectCandidates(ctx, s.cfg.Selectors.SendButton), anchor, s.cfg.Scoring)
		if len(candidates) > 0 {
			best := candidates[0]
			if err := best.el.Click(ctx); err != nil {
				return fmt.Errorf("clicking send button: %w", err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		s.pause(ctx, 200*time.Millisecond)
	}

	// No recognizable send button. The preview's caption box still commits
	// on Enter; try that before giving up.
	input, err := s.chatInput(ctx)
	if err != nil {
		return fmt.Errorf("send button: %w", browser.ErrNotFound)
	}
	s.logger.Debug("Send button not found, committing with Enter.")
	if err := input.PressKey(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("enter fallback: %w", err)
	}
	return nil
}

// dismissPreview presses Escape so a stuck attachment preview does not
// poison the next conversation. Best-effort.
func (s *Session) dismissPreview(ctx context.Context) {
	if err := s.drv.PressKey(ctx, browser.KeyEscape); err != nil {
		s.logger.Debug("Could not dismiss preview.", zap.Error(err))
	}
}

// detectFailure scans the alert regions for known rejection phrases. An
// empty return means no rejection surfaced within the wait window.
func (s *Session) detectFailure(ctx context.Context) string {
	deadline := time.Now().Add(s.cfg.DefaultWait / 2)
	for {
		for _, sel := range s.cfg.Selectors.AlertRegions {
			els, err := s.drv.Find(ctx, sel)
			if err != nil {
				continue
			}
			for _, el := range els {
				text, err := el.Text(ctx)
				if err != nil || text == "" {
					continue
				}
				lower := strings.ToLower(text)
				for _, phrase := range s.cfg.Scoring.FailurePhrases {
					if strings.Contains(lower, strings.ToLower(phrase)) {
						return strings.TrimSpace(text)
					}
				}
			}
		}
		if time.Now().After(deadline) {
			return ""
		}
		s.pause(ctx, 250*time.Millisecond)
	}
}
