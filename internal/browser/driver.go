// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"time"
)

// Driver wraps one browser session. Implementations are assumed reliable at
// the single-call level only: the page may change underneath any call, so
// callers must never cache Elements across operations.
//
// A Driver is not safe for concurrent use. All operations against one session
// execute strictly sequentially, driven by the caller.
type Driver interface {
	// Navigate loads the URL and waits for the document body, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Refresh reloads the current page.
	Refresh(ctx context.Context) error
	// Find returns every element currently matching the CSS selector.
	// A selector matching nothing returns an empty slice, not an error.
	Find(ctx context.Context, selector string) ([]Element, error)
	// CurrentURL returns the location of the active document.
	CurrentURL(ctx context.Context) (string, error)
	// Cookies returns the cookies visible to the active document.
	Cookies(ctx context.Context) ([]Cookie, error)
	// Screenshot captures the viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// PageSource returns the serialized DOM of the active document.
	PageSource(ctx context.Context) (string, error)
	// PressKey dispatches a key at page level (no element focus change).
	PressKey(ctx context.Context, key Key) error
	// Evaluate runs a script in the document, optionally unmarshaling into res.
	Evaluate(ctx context.Context, script string, res any) error
	// Close tears the session down. Non-owning holders must never call it.
	Close(ctx context.Context) error
}

// Element is a handle to a DOM node discovered by Find. Handles go stale when
// the page re-renders; every method reports that as an error rather than
// panicking, and callers are expected to re-Find.
type Element interface {
	// ID is a driver-scoped identity usable to tell two handles apart.
	ID() string
	Click(ctx context.Context) error
	// Clear empties an input or contenteditable element.
	Clear(ctx context.Context) error
	// SendKeys focuses the element and types text.
	SendKeys(ctx context.Context, text string) error
	// PressKey dispatches a special key to the focused element.
	PressKey(ctx context.Context, key Key) error
	Text(ctx context.Context) (string, error)
	// Attribute returns the attribute value, or "" when absent.
	Attribute(ctx context.Context, name string) (string, error)
	Visible(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	Size(ctx context.Context) (Size, error)
	Location(ctx context.Context) (Point, error)
	// Screenshot captures just this element as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// SetFiles assigns local paths to a file input without opening a picker.
	SetFiles(ctx context.Context, paths ...string) error
	// ForceVisible overrides inline styles hiding the element. Last-resort
	// before retrying SetFiles on a hidden file input.
	ForceVisible(ctx context.Context) error
}

// Key identifies a special keystroke.
type Key string

const (
	KeyEnter      Key = "Enter"
	KeyShiftEnter Key = "ShiftEnter"
	KeyEscape     Key = "Escape"
)

// Size is an element's rendered dimensions in CSS pixels.
type Size struct {
	Width  float64
	Height float64
}

// Area returns the rendered area, used to rank fallback candidates.
func (s Size) Area() float64 { return s.Width * s.Height }

// Point is a viewport coordinate.
type Point struct {
	X float64
	Y float64
}

// Cookie carries the two cookie fields session-liveness checks look at.
type Cookie struct {
	Name   string
	Domain string
}

// ErrNotFound reports that no strategy in a selector set yielded a usable
// element within its budget. Callers decide whether to retry at a higher
// level (e.g. re-navigate then re-locate).
var ErrNotFound = errors.New("element not found")

// ErrNoDriver reports an operation against a session with no live driver.
var ErrNoDriver = errors.New("driver not initialized")
