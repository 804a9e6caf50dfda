// internal/whatsapp/chat.go
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser"
)

const (
	// chatInputMinHeight filters out pill-sized editables when falling back
	// to the largest contenteditable on the page.
	chatInputMinHeight = 8.0
	editableFallback   = "div[contenteditable='true']"
)

// OpenChat brings a conversation with the given contact to the foreground.
// Strategies run in order until one succeeds: the in-app search first, the
// phone deep link as fallback when a phone number is known. The name of the
// winning strategy is returned for the audit log.
func (s *Session) OpenChat(ctx context.Context, contact, phone string) (string, error) {
	if s.drv == nil {
		return "", browser.ErrNoDriver
	}
	strategies := []browser.Strategy{
		{Name: "in-app-search", Run: func(ctx context.Context) error {
			return s.openChatBySearch(ctx, contact)
		}},
	}
	if phone != "" {
		strategies = append(strategies, browser.Strategy{Name: "deep-link", Run: func(ctx context.Context) error {
			return s.openChatByDeepLink(ctx, phone)
		}})
	}

	name, err := browser.RunFirst(ctx, s.logger, strategies)
	if err != nil {
		browser.SaveDiagnostics(ctx, s.drv, s.cfg.ArtifactsDir, "open_chat_failed", s.logger)
		return "", fmt.Errorf("opening chat with %q: %w", contact, err)
	}
	s.logger.Info("Conversation opened.", zap.String("contact", contact), zap.String("strategy", name))
	return name, nil
}

// openChatBySearch types the contact into the in-app search box and confirms
// the conversation actually opened. A vanished search box gets one
// re-navigation before giving up.
func (s *Session) openChatBySearch(ctx context.Context, contact string) error {
	search, err := s.locateSearchInput(ctx)
	if err != nil {
		return err
	}
	if err := search.Clear(ctx); err != nil {
		return fmt.Errorf("clearing search box: %w", err)
	}
	if err := search.SendKeys(ctx, contact); err != nil {
		return fmt.Errorf("typing contact: %w", err)
	}
	// Let the result list populate before committing.
	s.pause(ctx, s.cfg.ConversationWait/3)
	if err := search.PressKey(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("committing search: %w", err)
	}

	if s.conversationOpen(ctx, search.ID()) {
		return nil
	}
	// Enter sometimes lands on nothing; click the first result row instead.
	if s.loc.ClickFirstPresent(ctx, browser.SelectorSet(s.cfg.Selectors.SearchResults)) {
		if s.conversationOpen(ctx, search.ID()) {
			return nil
		}
	}
	return fmt.Errorf("conversation did not open for %q", contact)
}

func (s *Session) locateSearchInput(ctx context.Context) (browser.Element, error) {
	set := browser.SelectorSet(s.cfg.Selectors.SearchInputs)
	search, err := s.loc.Locate(ctx, set, s.cfg.SearchWait)
	if err == nil {
		return search, nil
	}
	s.logger.Debug("Search box missing, re-navigating.", zap.Error(err))
	if err := s.drv.Navigate(ctx, s.cfg.BaseURL, s.navWait); err != nil {
		return nil, fmt.Errorf("re-navigating to whatsapp: %w", err)
	}
	return s.loc.Locate(ctx, set, s.cfg.SearchWait)
}

// conversationOpen polls for evidence that a chat pane is in the foreground:
// the conversation panel, or an editable larger than the search box that is
// not the search box.
func (s *Session) conversationOpen(ctx context.Context, searchID string) bool {
	deadline := time.Now().Add(s.cfg.ConversationWait)
	for {
		if _, ok := s.loc.FirstPresent(ctx, browser.SelectorSet(s.cfg.Selectors.ConversationPanel)); ok {
			return true
		}
		if _, err := s.loc.Locate(ctx, browser.SelectorSet(s.cfg.Selectors.ChatInput), 50*time.Millisecond); err == nil {
			return true
		}
		if _, err := s.loc.LocateLargestVisible(ctx, editableFallback, chatInputMinHeight, searchID); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		s.pause(ctx, 200*time.Millisecond)
	}
}

// openChatByDeepLink navigates straight to the phone's send URL and waits
// for the chat input to render.
func (s *Session) openChatByDeepLink(ctx context.Context, phone string) error {
	url := fmt.Sprintf(s.cfg.DeepLink, normalizePhone(phone))
	if err := s.drv.Navigate(ctx, url, s.navWait); err != nil {
		return fmt.Errorf("deep link navigation: %w", err)
	}
	if _, err := s.loc.Locate(ctx, browser.SelectorSet(s.cfg.Selectors.ChatInput), s.cfg.DefaultWait); err != nil {
		return fmt.Errorf("chat input after deep link: %w", err)
	}
	return nil
}

// normalizePhone strips everything but digits; the deep link endpoint wants
// a bare international number.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// chatInput resolves the message composer, preferring the configured
// selectors and falling back to the largest visible editable.
func (s *Session) chatInput(ctx context.Context) (browser.Element, error) {
	if el, err := s.loc.Locate(ctx, browser.SelectorSet(s.cfg.Selectors.ChatInput), s.cfg.DefaultWait); err == nil {
		return el, nil
	}
	return s.loc.LocateLargestVisible(ctx, editableFallback, chatInputMinHeight, "")
}

// SendText types a message into the open conversation and commits it with
// Enter. Embedded newlines become Shift+Enter so they do not send early.
func (s *Session) SendText(ctx context.Context, text string) error {
	input, err := s.chatInput(ctx)
	if err != nil {
		return fmt.Errorf("locating chat input: %w", err)
	}
	if err := input.Click(ctx); err != nil {
		return fmt.Errorf("focusing chat input: %w", err)
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			if err := input.SendKeys(ctx, line); err != nil {
				return fmt.Errorf("typing message: %w", err)
			}
		}
		if i < len(lines)-1 {
			if err := input.PressKey(ctx, browser.KeyShiftEnter); err != nil {
				return fmt.Errorf("inserting newline: %w", err)
			}
		}
	}
	if err := input.PressKey(ctx, browser.KeyEnter); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (s *Session) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
