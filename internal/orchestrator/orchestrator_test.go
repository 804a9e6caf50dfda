// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
	"github.com/mxtramites/tramitador/internal/downloads"
	"github.com/mxtramites/tramitador/internal/portal"
	"github.com/mxtramites/tramitador/internal/store"
	"github.com/mxtramites/tramitador/internal/whatsapp"
)

type fakeForm struct {
	fillResults    []portal.FillResult
	fillCalls      int
	captchas       int
	confirm        portal.ConfirmResult
	confirmCalls   int
	download       portal.DownloadResult
	downloadCalls  int
	lastFields     portal.Fields
	openErr        error
	captchaImgErr  error
	downloadMax    int
	downloadedDirs []string
}

func (f *fakeForm) Open(context.Context) error { return f.openErr }

func (f *fakeForm) CaptchaImage(context.Context) (string, error) {
	f.captchas++
	return "captcha.png", f.captchaImgErr
}

func (f *fakeForm) FillAndValidate(_ context.Context, fields portal.Fields) portal.FillResult {
	f.lastFields = fields
	res := f.fillResults[min(f.fillCalls, len(f.fillResults)-1)]
	f.fillCalls++
	return res
}

func (f *fakeForm) CompleteRegistration(context.Context) portal.ConfirmResult {
	f.confirmCalls++
	return f.confirm
}

func (f *fakeForm) InitiateDownloads(_ context.Context, maxClicks int, tempDir string, _ portal.SettleWaiter) portal.DownloadResult {
	f.downloadCalls++
	f.downloadMax = maxClicks
	f.downloadedDirs = append(f.downloadedDirs, tempDir)
	return f.download
}

type fakeAcquirer struct {
	batch downloads.Batch
	calls int
	name  string
}

func (a *fakeAcquirer) WaitForSettle(context.Context, string) bool { return true }
func (a *fakeAcquirer) ListSettled(string) []string                { return nil }

func (a *fakeAcquirer) MoveAndClassify(_, _, _, clientName string) downloads.Batch {
	a.calls++
	a.name = clientName
	return a.batch
}

type fakeNotifier struct {
	open  whatsapp.OpenResult
	send  whatsapp.SendResult
	sends []string
}

func (n *fakeNotifier) Open(context.Context) whatsapp.OpenResult { return n.open }

func (n *fakeNotifier) SendDocument(_ context.Context, contact, _, _, filePath string) whatsapp.SendResult {
	n.sends = append(n.sends, contact+":"+filePath)
	return n.send
}

type fakeStore struct {
	headers []string
	rows    []map[string]string
	saves   int
}

func (s *fakeStore) EnsureColumns(names ...string) error {
	for _, n := range names {
		found := false
		for _, h := range s.headers {
			if h == n {
				found = true
			}
		}
		if !found {
			s.headers = append(s.headers, n)
		}
	}
	return nil
}

func (s *fakeStore) RowCount() (int, error) { return len(s.rows), nil }

func (s *fakeStore) Row(i int) (map[string]string, error) {
	if i < 1 || i > len(s.rows) {
		return nil, errors.New("out of range")
	}
	out := make(map[string]string, len(s.rows[i-1]))
	for k, v := range s.rows[i-1] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) UpdateRow(i int, values map[string]string) error {
	if i < 1 || i > len(s.rows) {
		return errors.New("out of range")
	}
	for k, v := range values {
		s.rows[i-1][k] = v
	}
	return nil
}

func (s *fakeStore) Save(context.Context) error {
	s.saves++
	return nil
}

type fakeSolver struct{ answer string }

func (f *fakeSolver) Solve(context.Context, string) (string, error) { return f.answer, nil }

func testConfig() *config.Config {
	return &config.Config{
		Browser:   config.BrowserConfig{TempDownloadDir: "_tmp"},
		Downloads: config.DownloadsConfig{DestRoot: "clients", Subfolder: "PDFs"},
	}
}

func clientRow(name string) map[string]string {
	return map[string]string{
		store.ColName:  name,
		store.ColCURP:  "PEPJ800101HDFRRN09",
		store.ColRFC:   "PEPJ800101AB1",
		store.ColNSS:   "12345678901",
		store.ColEmail: "juan@example.com",
		store.ColPhone: "5215512345678",
	}
}

func newOrchestrator(t *testing.T, form *fakeForm, acq *fakeAcquirer, not *fakeNotifier, st *fakeStore) *Orchestrator {
	t.Helper()
	o, err := New(testConfig(), zap.NewNop(), form, acq, not, st, &fakeSolver{answer: "x7k2p"})
	require.NoError(t, err)
	return o
}

func TestNewRejectsNilDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestEnrollAllHappyPath(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{{Status: portal.FillOK}},
		confirm:     portal.ConfirmResult{Status: portal.ConfirmOK, StepsDone: 6},
		download:    portal.DownloadResult{Status: portal.DownloadsOK, Clicked: 2},
	}
	acq := &fakeAcquirer{batch: downloads.Batch{
		FinalPaths:  []string{"clients/PDFs/Juan Pérez_Comprobante.pdf"},
		DestFolder:  "clients/PDFs",
		ReceiptPath: "clients/PDFs/Juan Pérez_Comprobante.pdf",
	}}
	st := &fakeStore{rows: []map[string]string{clientRow("Juan Pérez")}}

	sum, err := newOrchestrator(t, form, acq, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Completed)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, "x7k2p", form.lastFields.Captcha)
	assert.Equal(t, form.lastFields.Email, form.lastFields.EmailConfirm)
	assert.Equal(t, "Juan Pérez", acq.name)
	assert.Equal(t, StateCompleted, st.rows[0][store.ColState])
	assert.Equal(t, "clients/PDFs/Juan Pérez_Comprobante.pdf", st.rows[0][store.ColFile])
	assert.Equal(t, "1", st.rows[0][store.ColCaptchaTries])
	assert.Equal(t, 1, st.saves)
}

func TestEnrollAllRetriesCaptchaOnFormError(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{
			{Status: portal.FillFormError, FormError: "El captcha es incorrecto."},
			{Status: portal.FillOK},
		},
		confirm:  portal.ConfirmResult{Status: portal.ConfirmOK},
		download: portal.DownloadResult{Status: portal.DownloadsOK, Clicked: 1},
	}
	acq := &fakeAcquirer{batch: downloads.Batch{
		FinalPaths:  []string{"a.pdf"},
		ReceiptPath: "a.pdf",
	}}
	st := &fakeStore{rows: []map[string]string{clientRow("Ana")}}

	sum, err := newOrchestrator(t, form, acq, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, form.fillCalls)
	assert.Equal(t, 2, form.captchas)
	assert.Equal(t, "2", st.rows[0][store.ColCaptchaTries])
}

func TestEnrollAllGivesUpAfterCaptchaLimit(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{{Status: portal.FillFormError, FormError: "captcha"}},
	}
	st := &fakeStore{rows: []map[string]string{clientRow("Ana")}}

	sum, err := newOrchestrator(t, form, &fakeAcquirer{}, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, maxCaptchaAttempts, form.fillCalls)
	assert.Zero(t, form.confirmCalls)
	assert.Equal(t, StateError, st.rows[0][store.ColState])
}

func TestEnrollAllAlreadyRegisteredSkipsDownloads(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{{Status: portal.FillOK}},
		confirm:     portal.ConfirmResult{Status: portal.ConfirmAlreadyRegistered, StepsDone: 2},
	}
	st := &fakeStore{rows: []map[string]string{clientRow("Ana")}}

	sum, err := newOrchestrator(t, form, &fakeAcquirer{}, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.AlreadyRegistered)
	assert.Zero(t, form.downloadCalls)
	assert.Equal(t, StateAlreadyIn, st.rows[0][store.ColState])
}

func TestEnrollAllFieldErrorMarksRow(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{{
			Status:      portal.FillFieldError,
			FieldErrors: map[string]string{"errorCurp": "La CURP no es válida."},
		}},
	}
	st := &fakeStore{rows: []map[string]string{clientRow("Ana")}}

	sum, err := newOrchestrator(t, form, &fakeAcquirer{}, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	// Field errors are data problems; there is no point retrying the captcha.
	assert.Equal(t, 1, form.fillCalls)
	assert.Equal(t, StateFieldError, st.rows[0][store.ColState])
}

func TestEnrollAllSkipsTerminalRows(t *testing.T) {
	done := clientRow("Hecha")
	done[store.ColState] = StateCompleted
	st := &fakeStore{rows: []map[string]string{done}}
	form := &fakeForm{fillResults: []portal.FillResult{{Status: portal.FillOK}}}

	sum, err := newOrchestrator(t, form, &fakeAcquirer{}, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Processed)
	assert.Zero(t, form.fillCalls)
}

func TestEnrollAllFilesPartialDownloadsOnWaitTimeout(t *testing.T) {
	form := &fakeForm{
		fillResults: []portal.FillResult{{Status: portal.FillOK}},
		confirm:     portal.ConfirmResult{Status: portal.ConfirmOK},
		download:    portal.DownloadResult{Status: portal.DownloadsWaitFailed, Clicked: 2, TempFiles: []string{"a.pdf"}},
	}
	acq := &fakeAcquirer{batch: downloads.Batch{FinalPaths: []string{"a.pdf"}, ReceiptPath: "a.pdf"}}
	st := &fakeStore{rows: []map[string]string{clientRow("Ana")}}

	sum, err := newOrchestrator(t, form, acq, nil, st).EnrollAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, acq.calls)
}

func TestNotifyAllRequiresAuthenticatedSession(t *testing.T) {
	not := &fakeNotifier{open: whatsapp.OpenResult{Status: whatsapp.SessionNeedsAuth, QRPath: "qr.png"}}
	st := &fakeStore{}

	_, err := newOrchestrator(t, &fakeForm{}, &fakeAcquirer{}, not, st).NotifyAll(context.Background(), StaticMessage("hola"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qr.png")
}

func TestNotifyAllSendsOnlyCompletedRowsWithReceipt(t *testing.T) {
	completed := clientRow("Juan Pérez")
	completed[store.ColState] = StateCompleted
	completed[store.ColFile] = "clients/PDFs/Juan Pérez_Comprobante.pdf"

	pending := clientRow("Ana")

	noReceipt := clientRow("Luis")
	noReceipt[store.ColState] = StateCompleted

	st := &fakeStore{rows: []map[string]string{completed, pending, noReceipt}}
	not := &fakeNotifier{
		open: whatsapp.OpenResult{Status: whatsapp.SessionOK},
		send: whatsapp.SendResult{Status: whatsapp.SendOK},
	}

	sum, err := newOrchestrator(t, &fakeForm{}, &fakeAcquirer{}, not, st).NotifyAll(context.Background(), StaticMessage("Su comprobante"))
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 2, sum.Skipped)
	require.Len(t, not.sends, 1)
	assert.Equal(t, "Juan Pérez:clients/PDFs/Juan Pérez_Comprobante.pdf", not.sends[0])
	assert.Equal(t, StateSent, st.rows[0][store.ColState])
}

func TestNotifyAllStopsWhenSessionExpiresMidRun(t *testing.T) {
	completed := clientRow("Juan")
	completed[store.ColState] = StateCompleted
	completed[store.ColFile] = "a.pdf"
	st := &fakeStore{rows: []map[string]string{completed}}
	not := &fakeNotifier{
		open: whatsapp.OpenResult{Status: whatsapp.SessionOK},
		send: whatsapp.SendResult{Status: whatsapp.SendNeedsAuth, QRPath: "qr.png"},
	}

	_, err := newOrchestrator(t, &fakeForm{}, &fakeAcquirer{}, not, st).NotifyAll(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qr.png")
	// The row keeps its state; nothing was delivered or failed.
	assert.Equal(t, StateCompleted, st.rows[0][store.ColState])
}

func TestNotifyAllRecordsDeliveryFailure(t *testing.T) {
	completed := clientRow("Juan")
	completed[store.ColState] = StateCompleted
	completed[store.ColFile] = "a.pdf"
	st := &fakeStore{rows: []map[string]string{completed}}
	not := &fakeNotifier{
		open: whatsapp.OpenResult{Status: whatsapp.SessionOK},
		send: whatsapp.SendResult{Status: whatsapp.SendError, FailureText: "no se puede"},
	}

	sum, err := newOrchestrator(t, &fakeForm{}, &fakeAcquirer{}, not, st).NotifyAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, StateSendFailed, st.rows[0][store.ColState])
}
