// internal/portal/registration_test.go
package portal_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser/browsertest"
	"github.com/mxtramites/tramitador/internal/portal"
)

func TestCompleteRegistrationClicksWholeSequence(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	// The sequence repeats "continuar"; register one element per unique id
	// and count clicks per id.
	buttons := map[string]*browsertest.Element{}
	for _, id := range cfg.ConfirmSequence {
		if _, ok := buttons[id]; ok {
			continue
		}
		btn := browsertest.NewElement(id)
		buttons[id] = btn
		d.Add("#"+id, btn)
	}

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CompleteRegistration(context.Background())
	assert.Equal(t, portal.ConfirmOK, res.Status)
	assert.Equal(t, len(cfg.ConfirmSequence), res.StepsDone)
	assert.Equal(t, 2, buttons["continuar"].Clicks)
	for _, id := range []string{"submitContinuar", "checkRenovacionAut", "terminos", "guarda"} {
		assert.Equal(t, 1, buttons[id].Clicks, "button %s", id)
	}
}

func TestCompleteRegistrationAlreadyRegisteredStopsEarly(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	// Steps 1 and 2 exist; the renewal checkbox (step 3) does not.
	d.Add("#submitContinuar", browsertest.NewElement("submitContinuar"))
	continuar := browsertest.NewElement("continuar")
	d.Add("#continuar", continuar)
	terminos := browsertest.NewElement("terminos")
	guarda := browsertest.NewElement("guarda")
	d.Add("#terminos", terminos)
	d.Add("#guarda", guarda)
	salir := browsertest.NewElement("salir")
	d.Add("#salir", salir)

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CompleteRegistration(context.Background())
	assert.Equal(t, portal.ConfirmAlreadyRegistered, res.Status)
	assert.Equal(t, 2, res.StepsDone)

	// The remaining sequence buttons were never touched, the exit button was.
	assert.Zero(t, terminos.Clicks)
	assert.Zero(t, guarda.Clicks)
	assert.Equal(t, 1, continuar.Clicks)
	assert.Equal(t, 1, salir.Clicks)
}

func TestCompleteRegistrationMissingFirstButtonMeansAlreadyRegistered(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	// Every button except the first exists. The portal skips the whole
	// confirmation flow for people it already knows, so any absent button
	// reads as enrollment state, never as a markup error.
	for _, id := range []string{"continuar", "checkRenovacionAut", "terminos", "guarda"} {
		d.Add("#"+id, browsertest.NewElement(id))
	}
	salir := browsertest.NewElement("salir")
	d.Add("#salir", salir)

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CompleteRegistration(context.Background())
	assert.Equal(t, portal.ConfirmAlreadyRegistered, res.Status)
	assert.Zero(t, res.StepsDone)
	assert.Equal(t, 1, salir.Clicks)
}

func TestCompleteRegistrationClickFailureIsError(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	btn := browsertest.NewElement("submitContinuar")
	btn.ClickErr = errors.New("intercepted")
	d.Add("#submitContinuar", btn)

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CompleteRegistration(context.Background())
	assert.Equal(t, portal.ConfirmError, res.Status)
	assert.Zero(t, res.StepsDone)
	require.Error(t, res.Err)
}

type fakeWaiter struct {
	settled bool
	files   []string
	dirs    []string
}

func (w *fakeWaiter) WaitForSettle(_ context.Context, dir string) bool {
	w.dirs = append(w.dirs, dir)
	return w.settled
}

func (w *fakeWaiter) ListSettled(string) []string { return w.files }

func TestInitiateDownloadsNotRegisteredWhenCancelVisible(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	cancel := browsertest.NewElement("submitCancelar")
	d.Add("#submitCancelar", cancel)
	d.Add(cfg.DocumentIcon, browsertest.NewElement("icon-0"))

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).
		InitiateDownloads(context.Background(), 2, t.TempDir(), &fakeWaiter{settled: true})
	assert.Equal(t, portal.DownloadsNotRegistered, res.Status)
	assert.Zero(t, res.Clicked)
	// The bounced page is dismissed through the cancel button itself.
	assert.Equal(t, 1, cancel.Clicks)
}

func TestInitiateDownloadsNoIcons(t *testing.T) {
	d := browsertest.NewDriver()
	res := portal.NewFormSession(d, testPortalConfig(), time.Second, zap.NewNop()).
		InitiateDownloads(context.Background(), 2, t.TempDir(), &fakeWaiter{settled: true})
	assert.Equal(t, portal.DownloadsNoIcons, res.Status)
}

func TestInitiateDownloadsClicksUpToLimitAndSettles(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	icons := []*browsertest.Element{
		browsertest.NewElement("icon-0"),
		browsertest.NewElement("icon-1"),
		browsertest.NewElement("icon-2"),
	}
	d.Add(cfg.DocumentIcon, icons...)

	waiter := &fakeWaiter{settled: true, files: []string{"a.pdf", "b.pdf"}}
	tmp := t.TempDir()
	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).
		InitiateDownloads(context.Background(), 2, tmp, waiter)

	assert.Equal(t, portal.DownloadsOK, res.Status)
	assert.Equal(t, 2, res.Clicked)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, res.TempFiles)
	assert.Equal(t, []string{tmp}, waiter.dirs)
	assert.Equal(t, 1, icons[0].Clicks)
	assert.Equal(t, 1, icons[1].Clicks)
	assert.Zero(t, icons[2].Clicks)
}

func TestInitiateDownloadsReResolvesStaleIconOnce(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	stale := browsertest.NewElement("icon-stale")
	stale.ClickErr = errors.New("stale element reference")
	fresh := browsertest.NewElement("icon-fresh")
	d.Add(cfg.DocumentIcon, stale)

	// After the failed click the page has re-rendered the icon.
	first := true
	d.FindFunc = func(selector string) []*browsertest.Element {
		if selector != cfg.DocumentIcon {
			return nil
		}
		if first {
			first = false
			return []*browsertest.Element{stale}
		}
		return []*browsertest.Element{fresh}
	}

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).
		InitiateDownloads(context.Background(), 1, t.TempDir(), &fakeWaiter{settled: true})
	assert.Equal(t, portal.DownloadsOK, res.Status)
	assert.Equal(t, 1, res.Clicked)
	assert.Equal(t, 1, fresh.Clicks)
}

func TestInitiateDownloadsWaitFailedKeepsPartialFiles(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	d.Add(cfg.DocumentIcon, browsertest.NewElement("icon-0"))

	res := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).
		InitiateDownloads(context.Background(), 1, t.TempDir(), &fakeWaiter{settled: false, files: []string{"partial.pdf"}})
	assert.Equal(t, portal.DownloadsWaitFailed, res.Status)
	assert.Equal(t, []string{"partial.pdf"}, res.TempFiles)
}

func TestCaptchaImageWritesElementScreenshot(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	cfg.CaptchaPath = filepath.Join(t.TempDir(), "captcha", "captcha.png")
	el := browsertest.NewElement("captchaImg")
	el.PNG = []byte("captcha-bytes")
	d.Add("#captchaImg", el)

	path, err := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CaptchaImage(context.Background())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("captcha-bytes"), data)
}

func TestCaptchaImageFailsWhenElementNeverRenders(t *testing.T) {
	d := browsertest.NewDriver()
	cfg := testPortalConfig()
	// Present but zero-sized: the page never finished painting it.
	d.Add("#captchaImg", browsertest.NewElement("captchaImg").WithSize(0, 0))

	_, err := portal.NewFormSession(d, cfg, time.Second, zap.NewNop()).CaptchaImage(context.Background())
	assert.Error(t, err)
}
