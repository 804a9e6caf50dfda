// internal/browser/locator.go
package browser

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SelectorSet is an ordered sequence of selector strings representing one
// logical UI element across page-version variants. Order is preference
// order; the first visible match wins.
type SelectorSet []string

// Locator resolves selector sets against a driver with bounded polling.
// It performs no retries beyond its timeout; callers decide whether to
// re-navigate and try again.
type Locator struct {
	drv    Driver
	logger *zap.Logger
	poll   time.Duration
}

// NewLocator builds a Locator. A zero poll interval defaults to 200ms.
func NewLocator(drv Driver, logger *zap.Logger, poll time.Duration) *Locator {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Locator{drv: drv, logger: logger.Named("locator"), poll: poll}
}

// Locate polls the selector set until one strategy yields a visible element
// with non-zero rendered size, or the timeout elapses (ErrNotFound).
// Strategies past the first match at a poll tick are not evaluated.
func (l *Locator) Locate(ctx context.Context, set SelectorSet, timeout time.Duration) (Element, error) {
	deadline := time.Now().Add(timeout)
	for {
		if el := l.firstVisible(ctx, set); el != nil {
			return el, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("locating %v: %w", set, ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *Locator) firstVisible(ctx context.Context, set SelectorSet) Element {
	for _, sel := range set {
		els, err := l.drv.Find(ctx, sel)
		if err != nil {
			l.logger.Debug("Selector query failed.", zap.String("selector", sel), zap.Error(err))
			continue
		}
		for _, el := range els {
			if visible, _ := el.Visible(ctx); !visible {
				continue
			}
			if sz, err := el.Size(ctx); err == nil && sz.Area() > 0 {
				return el
			}
		}
	}
	return nil
}

// FirstPresent returns the first element matching any strategy in a single
// pass, with no visibility requirement. Mirrors quick, non-blocking probes.
func (l *Locator) FirstPresent(ctx context.Context, set SelectorSet) (Element, bool) {
	for _, sel := range set {
		els, err := l.drv.Find(ctx, sel)
		if err != nil {
			continue
		}
		if len(els) > 0 {
			return els[0], true
		}
	}
	return nil, false
}

// ClickFirstPresent clicks the first present element of the set, reporting
// whether a click landed. Element.Click already falls back to a synthetic
// click internally.
func (l *Locator) ClickFirstPresent(ctx context.Context, set SelectorSet) bool {
	el, ok := l.FirstPresent(ctx, set)
	if !ok {
		return false
	}
	if err := el.Click(ctx); err != nil {
		l.logger.Debug("Click failed on present element.", zap.Error(err))
		return false
	}
	return true
}

// LocateLargestVisible scans all elements matching a broad fallback selector
// and picks the visible one with the largest rendered area, excluding the
// element identified by excludeID (usually the search box itself) and
// anything shorter than minHeight. This is the defense against upstream
// markup changes when the preferred selectors all fail.
func (l *Locator) LocateLargestVisible(ctx context.Context, fallbackSelector string, minHeight float64, excludeID string) (Element, error) {
	els, err := l.drv.Find(ctx, fallbackSelector)
	if err != nil {
		return nil, err
	}
	var best Element
	var bestArea float64
	for _, el := range els {
		if excludeID != "" && el.ID() == excludeID {
			continue
		}
		if visible, _ := el.Visible(ctx); !visible {
			continue
		}
		sz, err := el.Size(ctx)
		if err != nil || sz.Height <= minHeight {
			continue
		}
		if sz.Area() > bestArea {
			best, bestArea = el, sz.Area()
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no visible candidate for %q: %w", fallbackSelector, ErrNotFound)
	}
	return best, nil
}

// Strategy is one named way of accomplishing a logical operation. Fallback
// policy lives in the ordered list, not in nested error handling.
type Strategy struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunFirst executes strategies in order and returns the name of the first
// that succeeds. All failures are reported together when none does.
func RunFirst(ctx context.Context, logger *zap.Logger, strategies []Strategy) (string, error) {
	var errs []error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := s.Run(ctx); err != nil {
			logger.Debug("Strategy failed.", zap.String("strategy", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		return s.Name, nil
	}
	return "", fmt.Errorf("all strategies failed: %v", errs)
}
