// internal/browser/locator_test.go
package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser"
	"github.com/mxtramites/tramitador/internal/browser/browsertest"
)

func newLocator(d *browsertest.Driver) *browser.Locator {
	return browser.NewLocator(d, zap.NewNop(), 20*time.Millisecond)
}

func TestLocateReturnsMatchFromLaterStrategy(t *testing.T) {
	d := browsertest.NewDriver()
	target := browsertest.NewElement("chat-input")
	d.Add("div[contenteditable='true'][data-tab='10']", target)

	set := browser.SelectorSet{
		"div[data-testid='does-not-exist']",
		"div[contenteditable='true'][data-tab='10']",
		"div[contenteditable='true'][data-tab='6']",
	}

	el, err := newLocator(d).Locate(context.Background(), set, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "chat-input", el.ID())

	// Strategies past the first match at a poll tick are not evaluated.
	assert.Equal(t, []string{
		"div[data-testid='does-not-exist']",
		"div[contenteditable='true'][data-tab='10']",
	}, d.FindCalls)
}

func TestLocateTimesOutWithErrNotFound(t *testing.T) {
	d := browsertest.NewDriver()
	_, err := newLocator(d).Locate(context.Background(), browser.SelectorSet{"#missing"}, 60*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNotFound)
}

func TestLocateSkipsInvisibleAndZeroSizeElements(t *testing.T) {
	d := browsertest.NewDriver()
	d.Add("#candidates",
		browsertest.NewElement("hidden").Hidden(),
		browsertest.NewElement("flat").WithSize(100, 0),
		browsertest.NewElement("real"),
	)

	el, err := newLocator(d).Locate(context.Background(), browser.SelectorSet{"#candidates"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "real", el.ID())
}

func TestLocateLargestVisiblePicksBiggestAndExcludes(t *testing.T) {
	d := browsertest.NewDriver()
	d.Add("div[contenteditable='true']",
		browsertest.NewElement("search-box").WithSize(400, 30),
		browsertest.NewElement("tiny").WithSize(20, 9),
		browsertest.NewElement("composer").WithSize(600, 48),
	)

	el, err := newLocator(d).LocateLargestVisible(context.Background(), "div[contenteditable='true']", 8, "search-box")
	require.NoError(t, err)
	assert.Equal(t, "composer", el.ID())
}

func TestLocateLargestVisibleHonorsMinHeight(t *testing.T) {
	d := browsertest.NewDriver()
	d.Add("div[contenteditable='true']",
		browsertest.NewElement("thin").WithSize(900, 5),
	)

	_, err := newLocator(d).LocateLargestVisible(context.Background(), "div[contenteditable='true']", 8, "")
	assert.ErrorIs(t, err, browser.ErrNotFound)
}

func TestClickFirstPresent(t *testing.T) {
	d := browsertest.NewDriver()
	btn := browsertest.NewElement("clip")
	d.Add("span[data-testid='clip']", btn)

	loc := newLocator(d)
	assert.False(t, loc.ClickFirstPresent(context.Background(), browser.SelectorSet{"#nope"}))
	assert.True(t, loc.ClickFirstPresent(context.Background(), browser.SelectorSet{"#nope", "span[data-testid='clip']"}))
	assert.Equal(t, 1, btn.Clicks)
}

func TestRunFirstStopsAtFirstSuccess(t *testing.T) {
	var ran []string
	strategies := []browser.Strategy{
		{Name: "in-app-search", Run: func(context.Context) error {
			ran = append(ran, "in-app-search")
			return errors.New("search box gone")
		}},
		{Name: "deep-link", Run: func(context.Context) error {
			ran = append(ran, "deep-link")
			return nil
		}},
		{Name: "never", Run: func(context.Context) error {
			ran = append(ran, "never")
			return nil
		}},
	}

	name, err := browser.RunFirst(context.Background(), zap.NewNop(), strategies)
	require.NoError(t, err)
	assert.Equal(t, "deep-link", name)
	assert.Equal(t, []string{"in-app-search", "deep-link"}, ran)
}

func TestRunFirstReportsAllFailures(t *testing.T) {
	strategies := []browser.Strategy{
		{Name: "a", Run: func(context.Context) error { return errors.New("boom") }},
		{Name: "b", Run: func(context.Context) error { return errors.New("bang") }},
	}
	_, err := browser.RunFirst(context.Background(), zap.NewNop(), strategies)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: boom")
	assert.Contains(t, err.Error(), "b: bang")
}
