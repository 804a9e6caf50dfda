// internal/browser/browsertest/fake.go
//
// Package browsertest provides an in-memory Driver/Element pair used by the
// portal, whatsapp and browser package tests. It records every interaction
// so tests can assert on ordering and absence of calls.
package browsertest

import (
	"context"
	"sync"
	"time"

	"github.com/mxtramites/tramitador/internal/browser"
)

// Driver is a scriptable in-memory browser.Driver.
type Driver struct {
	mu sync.Mutex

	// URL is what CurrentURL reports; Navigate updates it.
	URL string
	// CookieList is what Cookies reports.
	CookieList []browser.Cookie
	// Source is what PageSource reports.
	Source string
	// ScreenshotData is what Screenshot returns.
	ScreenshotData []byte

	// elements maps a selector to the elements Find returns for it.
	elements map[string][]*Element

	// FindFunc, when set, overrides the element map entirely.
	FindFunc func(selector string) []*Element
	// OnNavigate, when set, runs after each successful navigation.
	OnNavigate func(url string)

	NavigateErr error
	Closed      bool

	// Recorded interactions.
	Navigations []string
	FindCalls   []string
	PressedKeys []browser.Key
	Refreshes   int
}

var _ browser.Driver = (*Driver)(nil)

// NewDriver returns an empty fake driver.
func NewDriver() *Driver {
	return &Driver{elements: make(map[string][]*Element)}
}

// Add registers elements returned for a selector.
func (d *Driver) Add(selector string, els ...*Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements[selector] = append(d.elements[selector], els...)
}

// Remove drops all elements for a selector.
func (d *Driver) Remove(selector string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.elements, selector)
}

func (d *Driver) Navigate(_ context.Context, url string, _ time.Duration) error {
	d.mu.Lock()
	d.Navigations = append(d.Navigations, url)
	err := d.NavigateErr
	if err == nil {
		d.URL = url
	}
	hook := d.OnNavigate
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(url)
	}
	return nil
}

func (d *Driver) Refresh(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Refreshes++
	return nil
}

func (d *Driver) Find(_ context.Context, selector string) ([]browser.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FindCalls = append(d.FindCalls, selector)
	var matched []*Element
	if d.FindFunc != nil {
		matched = d.FindFunc(selector)
	} else {
		matched = d.elements[selector]
	}
	out := make([]browser.Element, 0, len(matched))
	for _, el := range matched {
		out = append(out, el)
	}
	return out, nil
}

func (d *Driver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.URL, nil
}

func (d *Driver) Cookies(context.Context) ([]browser.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CookieList, nil
}

func (d *Driver) Screenshot(context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScreenshotData == nil {
		return []byte("png"), nil
	}
	return d.ScreenshotData, nil
}

func (d *Driver) PageSource(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Source, nil
}

func (d *Driver) PressKey(_ context.Context, key browser.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PressedKeys = append(d.PressedKeys, key)
	return nil
}

func (d *Driver) Evaluate(_ context.Context, _ string, _ any) error { return nil }

func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Element is a scriptable in-memory browser.Element.
type Element struct {
	mu sync.Mutex

	Name      string
	TextValue string
	Attrs     map[string]string
	Displayed bool
	IsEnabled bool
	Sz        browser.Size
	Loc       browser.Point
	PNG       []byte

	ClickErr    error
	SetFilesErr error
	// SetFilesErrOnce fails only the first SetFiles call, exercising the
	// force-visible retry path.
	SetFilesErrOnce error
	OnClick         func()

	Clicks     int
	Cleared    int
	Typed      []string
	Keys       []browser.Key
	Files      [][]string
	ForcedVis  bool
	setAttempt int
}

var _ browser.Element = (*Element)(nil)

// NewElement returns a visible, enabled 100x40 element.
func NewElement(name string) *Element {
	return &Element{
		Name:      name,
		Attrs:     map[string]string{},
		Displayed: true,
		IsEnabled: true,
		Sz:        browser.Size{Width: 100, Height: 40},
	}
}

// WithAttr sets an attribute and returns the element for chaining.
func (e *Element) WithAttr(name, value string) *Element {
	e.Attrs[name] = value
	return e
}

// WithText sets the text content and returns the element for chaining.
func (e *Element) WithText(text string) *Element {
	e.TextValue = text
	return e
}

// WithSize sets the rendered size and returns the element for chaining.
func (e *Element) WithSize(w, h float64) *Element {
	e.Sz = browser.Size{Width: w, Height: h}
	return e
}

// WithLocation sets the viewport position and returns the element for chaining.
func (e *Element) WithLocation(x, y float64) *Element {
	e.Loc = browser.Point{X: x, Y: y}
	return e
}

// Hidden marks the element as not displayed and returns it for chaining.
func (e *Element) Hidden() *Element {
	e.Displayed = false
	return e
}

func (e *Element) ID() string { return e.Name }

func (e *Element) Click(context.Context) error {
	e.mu.Lock()
	e.Clicks++
	err := e.ClickErr
	hook := e.OnClick
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (e *Element) Clear(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Cleared++
	return nil
}

func (e *Element) SendKeys(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Typed = append(e.Typed, text)
	return nil
}

func (e *Element) PressKey(_ context.Context, key browser.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Keys = append(e.Keys, key)
	return nil
}

func (e *Element) Text(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.TextValue, nil
}

func (e *Element) Attribute(_ context.Context, name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Attrs[name], nil
}

func (e *Element) Visible(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Displayed, nil
}

func (e *Element) Enabled(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.IsEnabled, nil
}

func (e *Element) Size(context.Context) (browser.Size, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Sz, nil
}

func (e *Element) Location(context.Context) (browser.Point, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Loc, nil
}

func (e *Element) Screenshot(context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.PNG == nil {
		return []byte("png"), nil
	}
	return e.PNG, nil
}

func (e *Element) SetFiles(_ context.Context, paths ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setAttempt++
	if e.SetFilesErr != nil {
		return e.SetFilesErr
	}
	if e.SetFilesErrOnce != nil && e.setAttempt == 1 {
		return e.SetFilesErrOnce
	}
	e.Files = append(e.Files, paths)
	return nil
}

func (e *Element) ForceVisible(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ForcedVis = true
	e.Displayed = true
	return nil
}
