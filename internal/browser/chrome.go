// internal/browser/chrome.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
)

// Chrome drives a real Chrome instance over CDP and implements Driver.
// One Chrome equals one browser window with one reused tab; the portal and
// WhatsApp sessions may share it, externally serialized by the caller.
type Chrome struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	// allocCancel tears down the exec allocator (the browser process).
	allocCancel context.CancelFunc
	logger      *zap.Logger
	cfg         config.BrowserConfig

	mu       sync.Mutex
	isClosed bool
}

var _ Driver = (*Chrome)(nil)

// NewChrome launches Chrome and connects a CDP target. The temp download
// directory is created and registered so portal-triggered downloads land
// there without prompting.
func NewChrome(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Chrome, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("start-maximized", true),
		chromedp.Flag("safebrowsing-disable-download-protection", true),
	)
	if cfg.ProfileDir != "" {
		abs, err := filepath.Abs(cfg.ProfileDir)
		if err != nil {
			return nil, fmt.Errorf("resolving profile dir: %w", err)
		}
		opts = append(opts, chromedp.UserDataDir(abs))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	id := uuid.New().String()
	c := &Chrome{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger.Named("chrome").With(zap.String("driver_id", id)),
		cfg:         cfg,
	}

	// Establish the target connection before handing the driver out.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	if cfg.TempDownloadDir != "" {
		if err := c.configureDownloads(cfg.TempDownloadDir); err != nil {
			c.Close(parent)
			return nil, err
		}
	}

	c.logger.Info("Browser launched.", zap.Bool("headless", cfg.Headless))
	return c, nil
}

func (c *Chrome) configureDownloads(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving download dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	err = c.run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(abs).
			Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("configuring download behavior: %w", err)
	}
	return nil
}

// run executes actions bounded by both the driver lifetime and the caller's
// context.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(c.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// combineContext derives a context cancelled when either input is done.
func combineContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Chrome) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.NavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (c *Chrome) Refresh(ctx context.Context) error {
	return c.run(ctx, chromedp.Reload())
}

func (c *Chrome) Find(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	err := c.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	els := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		els = append(els, &chromeElement{drv: c, node: n})
	}
	return els, nil
}

func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := c.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (c *Chrome) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, ck := range cookies {
			out = append(out, Cookie{Name: ck.Name, Domain: ck.Domain})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Chrome) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (c *Chrome) PressKey(ctx context.Context, key Key) error {
	return c.run(ctx, dispatchKeyAction(key))
}

func (c *Chrome) Evaluate(ctx context.Context, script string, res any) error {
	return c.run(ctx, chromedp.Evaluate(script, res))
}

// Close terminates the browser. Safe to call more than once.
func (c *Chrome) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	c.mu.Unlock()

	c.logger.Debug("Closing browser.")
	c.cancel()
	c.allocCancel()
	return nil
}

// ID returns the driver identifier.
func (c *Chrome) ID() string { return c.id }

// -- Element implementation --

type chromeElement struct {
	drv  *Chrome
	node *cdp.Node
}

var _ Element = (*chromeElement)(nil)

func (e *chromeElement) ID() string {
	return strconv.FormatInt(int64(e.node.NodeID), 10)
}

func (e *chromeElement) nodeIDs() []cdp.NodeID {
	return []cdp.NodeID{e.node.NodeID}
}

func (e *chromeElement) Click(ctx context.Context) error {
	if err := e.drv.run(ctx, chromedp.MouseClickNode(e.node)); err == nil {
		return nil
	}
	// Synthetic click fallback for elements a trusted click cannot reach
	// (overlays, zero-size icon spans).
	return e.callOn(ctx, `function() { this.click(); }`, nil)
}

func (e *chromeElement) Clear(ctx context.Context) error {
	if err := e.drv.run(ctx, chromedp.Clear(e.nodeIDs(), chromedp.ByNodeID)); err == nil {
		return nil
	}
	// chromedp.Clear only understands input/textarea; contenteditable divs
	// are emptied directly.
	return e.callOn(ctx, `function() {
		if (this.isContentEditable) { this.textContent = ''; }
		else { this.value = ''; }
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}`, nil)
}

func (e *chromeElement) SendKeys(ctx context.Context, text string) error {
	return e.drv.run(ctx, chromedp.KeyEventNode(e.node, text))
}

func (e *chromeElement) PressKey(ctx context.Context, key Key) error {
	if key == KeyEnter {
		return e.drv.run(ctx, chromedp.KeyEventNode(e.node, kb.Enter))
	}
	return e.drv.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return dom.Focus().WithNodeID(e.node.NodeID).Do(ctx)
		}),
		dispatchKeyAction(key),
	)
}

func (e *chromeElement) Text(ctx context.Context) (string, error) {
	var text string
	err := e.callOn(ctx, `function() { return this.innerText || this.textContent || ''; }`, &text)
	return text, err
}

func (e *chromeElement) Attribute(ctx context.Context, name string) (string, error) {
	var value string
	var ok bool
	err := e.drv.run(ctx, chromedp.AttributeValue(e.nodeIDs(), name, &value, &ok, chromedp.ByNodeID))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return value, nil
}

func (e *chromeElement) Visible(ctx context.Context) (bool, error) {
	sz, err := e.Size(ctx)
	if err != nil {
		// A node with no box model is detached or display:none.
		return false, nil
	}
	return sz.Width > 0 && sz.Height > 0, nil
}

func (e *chromeElement) Enabled(ctx context.Context) (bool, error) {
	var disabled bool
	if err := e.callOn(ctx, `function() { return !!this.disabled; }`, &disabled); err != nil {
		return false, err
	}
	return !disabled, nil
}

func (e *chromeElement) Size(ctx context.Context) (Size, error) {
	box, err := e.boxModel(ctx)
	if err != nil {
		return Size{}, err
	}
	return Size{Width: float64(box.Width), Height: float64(box.Height)}, nil
}

func (e *chromeElement) Location(ctx context.Context) (Point, error) {
	box, err := e.boxModel(ctx)
	if err != nil {
		return Point{}, err
	}
	if len(box.Content) < 2 {
		return Point{}, fmt.Errorf("box model for node %s has no content quad", e.ID())
	}
	return Point{X: box.Content[0], Y: box.Content[1]}, nil
}

func (e *chromeElement) boxModel(ctx context.Context) (*dom.BoxModel, error) {
	var box *dom.BoxModel
	err := e.drv.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().WithNodeID(e.node.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return box, nil
}

func (e *chromeElement) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := e.drv.run(ctx, chromedp.Screenshot(e.nodeIDs(), &buf, chromedp.ByNodeID))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *chromeElement) SetFiles(ctx context.Context, paths ...string) error {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving %q: %w", p, err)
		}
		abs = append(abs, a)
	}
	return e.drv.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return dom.SetFileInputFiles(abs).WithNodeID(e.node.NodeID).Do(ctx)
	}))
}

func (e *chromeElement) ForceVisible(ctx context.Context) error {
	return e.callOn(ctx, `function() {
		this.style.display = 'block';
		this.style.visibility = 'visible';
	}`, nil)
}

// callOn resolves the node to a runtime object and invokes decl with the
// element as `this`, unmarshaling the by-value result into res when non-nil.
func (e *chromeElement) callOn(ctx context.Context, decl string, res any) error {
	return e.drv.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(e.node.NodeID).Do(ctx)
		if err != nil {
			return err
		}
		v, exc, err := runtime.CallFunctionOn(decl).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if res != nil && v != nil && v.Value != nil {
			return json.Unmarshal(v.Value, res)
		}
		return nil
	}))
}

// dispatchKeyAction emits raw down/up key events for keys the kb layout
// table does not cover (escape, shift-enter chords).
func dispatchKeyAction(key Key) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		name, code := "Escape", 27
		var mods input.Modifier
		var text string
		switch key {
		case KeyEscape:
			// defaults above
		case KeyEnter:
			name, code, text = "Enter", 13, "\r"
		case KeyShiftEnter:
			name, code, text = "Enter", 13, "\r"
			mods = input.ModifierShift
		default:
			return fmt.Errorf("unsupported key %q", key)
		}

		down := input.DispatchKeyEvent(input.KeyDown).
			WithKey(name).
			WithCode(name).
			WithWindowsVirtualKeyCode(int64(code)).
			WithNativeVirtualKeyCode(int64(code)).
			WithModifiers(mods)
		if text != "" {
			down = down.WithText(text)
		}
		if err := down.Do(ctx); err != nil {
			return err
		}
		return input.DispatchKeyEvent(input.KeyUp).
			WithKey(name).
			WithCode(name).
			WithWindowsVirtualKeyCode(int64(code)).
			WithNativeVirtualKeyCode(int64(code)).
			WithModifiers(mods).
			Do(ctx)
	})
}
