// internal/orchestrator/orchestrator.go
//
// Package orchestrator runs the end-to-end client workflow: fill the portal
// form, confirm the registration, collect the receipt PDFs, file them under
// the client's folder, record the outcome in the workbook and finally send
// the receipt over WhatsApp. It is injected with fully configured components
// via interfaces, keeping it decoupled and testable.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/config"
	"github.com/mxtramites/tramitador/internal/downloads"
	"github.com/mxtramites/tramitador/internal/portal"
	"github.com/mxtramites/tramitador/internal/store"
	"github.com/mxtramites/tramitador/internal/whatsapp"
)

// Row states recorded in the workbook's Estado column.
const (
	StateCompleted     = "completado"
	StateAlreadyIn     = "ya_registrado"
	StateNotRegistered = "no_registrado"
	StateFieldError    = "error_datos"
	StateError         = "error"
	StateSent          = "enviado"
	StateSendFailed    = "error_envio"
)

// maxCaptchaAttempts bounds how many times a row is retried when the portal
// rejects the captcha solution.
const maxCaptchaAttempts = 3

// FormDriver is the portal surface the workflow needs.
type FormDriver interface {
	Open(ctx context.Context) error
	CaptchaImage(ctx context.Context) (string, error)
	FillAndValidate(ctx context.Context, fields portal.Fields) portal.FillResult
	CompleteRegistration(ctx context.Context) portal.ConfirmResult
	InitiateDownloads(ctx context.Context, maxClicks int, tempDir string, waiter portal.SettleWaiter) portal.DownloadResult
}

// Acquirer settles and files downloaded documents.
type Acquirer interface {
	portal.SettleWaiter
	MoveAndClassify(tempDir, destRoot, subfolder, clientName string) downloads.Batch
}

// Notifier is the WhatsApp surface the workflow needs.
type Notifier interface {
	Open(ctx context.Context) whatsapp.OpenResult
	SendDocument(ctx context.Context, contact, phone, message, filePath string) whatsapp.SendResult
}

// ClientStore is the workbook surface the workflow needs.
type ClientStore interface {
	EnsureColumns(names ...string) error
	RowCount() (int, error)
	Row(i int) (map[string]string, error)
	UpdateRow(i int, values map[string]string) error
	Save(ctx context.Context) error
}

// CaptchaSolver turns a captcha image into the operator's answer.
type CaptchaSolver interface {
	Solve(ctx context.Context, imagePath string) (string, error)
}

// MessageSource supplies the caption message to send with a client's
// receipt.
type MessageSource interface {
	MessageFor(clientName string) string
}

// StaticMessage sends the same caption to every client.
type StaticMessage string

// MessageFor implements MessageSource.
func (m StaticMessage) MessageFor(string) string { return string(m) }

// Orchestrator manages the per-client workflow over the shared components.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	form     FormDriver
	acquirer Acquirer
	notifier Notifier
	clients  ClientStore
	solver   CaptchaSolver
}

// New creates an Orchestrator. Every dependency is required except the
// notifier, which only NotifyAll uses.
func New(
	cfg *config.Config,
	logger *zap.Logger,
	form FormDriver,
	acquirer Acquirer,
	notifier Notifier,
	clients ClientStore,
	solver CaptchaSolver,
) (*Orchestrator, error) {
	if cfg == nil || logger == nil || form == nil || acquirer == nil || clients == nil || solver == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
		form:     form,
		acquirer: acquirer,
		notifier: notifier,
		clients:  clients,
		solver:   solver,
	}, nil
}

// Summary aggregates a run over the workbook.
type Summary struct {
	Processed         int
	Completed         int
	AlreadyRegistered int
	Skipped           int
	Failed            int
}

// terminalStates are Estado values that exclude a row from enrollment.
var terminalStates = map[string]bool{
	StateCompleted: true,
	StateAlreadyIn: true,
	StateSent:      true,
}

// EnrollAll walks every workbook row that is not already in a terminal state
// and runs the enrollment workflow for it. Row failures are recorded and do
// not stop the run; only a context cancellation does.
func (o *Orchestrator) EnrollAll(ctx context.Context) (Summary, error) {
	var sum Summary
	if err := o.clients.EnsureColumns(store.WorkflowColumns...); err != nil {
		return sum, fmt.Errorf("preparing workbook: %w", err)
	}
	count, err := o.clients.RowCount()
	if err != nil {
		return sum, fmt.Errorf("counting clients: %w", err)
	}
	o.logger.Info("Starting enrollment run.", zap.Int("clients", count))

	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		row, err := o.clients.Row(i)
		if err != nil {
			o.logger.Error("Could not read row.", zap.Int("row", i), zap.Error(err))
			sum.Failed++
			continue
		}
		if terminalStates[strings.TrimSpace(row[store.ColState])] {
			sum.Skipped++
			continue
		}
		sum.Processed++
		o.enrollRow(ctx, i, row, &sum)

		if err := o.clients.Save(ctx); err != nil {
			o.logger.Error("Could not save workbook.", zap.Error(err))
		}
	}
	o.logger.Info("Enrollment run finished.",
		zap.Int("processed", sum.Processed),
		zap.Int("completed", sum.Completed),
		zap.Int("already_registered", sum.AlreadyRegistered),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

func (o *Orchestrator) enrollRow(ctx context.Context, i int, row map[string]string, sum *Summary) {
	name := strings.TrimSpace(row[store.ColName])
	log := o.logger.With(zap.Int("row", i), zap.String("client", name))

	fill, attempts, ok := o.fillWithCaptchaRetries(ctx, row, log)
	updates := map[string]string{
		store.ColCaptchaTries: fmt.Sprintf("%d", attempts),
	}
	defer func() {
		if err := o.clients.UpdateRow(i, updates); err != nil {
			log.Error("Could not update row.", zap.Error(err))
		}
	}()

	if !ok {
		sum.Failed++
		switch fill.Status {
		case portal.FillFieldError:
			updates[store.ColState] = StateFieldError
			log.Warn("Portal rejected the client data.", zap.Any("errors", fill.FieldErrors))
		case portal.FillFormError:
			updates[store.ColState] = StateError
			log.Warn("Form rejected after captcha retries.", zap.String("detail", fill.FormError))
		case portal.FillClickFailed, portal.FillDriverError:
			updates[store.ColState] = StateError
			log.Error("Portal interaction failed.", zap.Error(fill.Err))
		default:
			updates[store.ColState] = StateError
		}
		return
	}

	confirm := o.form.CompleteRegistration(ctx)
	switch confirm.Status {
	case portal.ConfirmAlreadyRegistered:
		sum.AlreadyRegistered++
		updates[store.ColState] = StateAlreadyIn
		log.Info("Client already registered.")
		return
	case portal.ConfirmError:
		sum.Failed++
		updates[store.ColState] = StateError
		log.Error("Confirmation sequence failed.", zap.Int("steps_done", confirm.StepsDone), zap.Error(confirm.Err))
		return
	case portal.ConfirmOK:
	}

	dl := o.form.InitiateDownloads(ctx, 2, o.cfg.Browser.TempDownloadDir, o.acquirer)
	switch dl.Status {
	case portal.DownloadsNotRegistered:
		updates[store.ColState] = StateNotRegistered
		log.Warn("Portal bounced back to the form after confirmation.")
		sum.Failed++
		return
	case portal.DownloadsNoIcons, portal.DownloadsError:
		updates[store.ColState] = StateError
		log.Error("Receipt downloads could not be triggered.", zap.String("status", string(dl.Status)), zap.Error(dl.Err))
		sum.Failed++
		return
	case portal.DownloadsWaitFailed:
		log.Warn("Downloads did not settle in time, filing what arrived.", zap.Int("files", len(dl.TempFiles)))
	case portal.DownloadsOK:
	}

	batch := o.acquirer.MoveAndClassify(
		o.cfg.Browser.TempDownloadDir,
		o.cfg.Downloads.DestRoot,
		o.cfg.Downloads.Subfolder,
		name,
	)
	for _, msg := range batch.Errors {
		log.Warn("Filing issue.", zap.String("detail", msg))
	}
	if len(batch.FinalPaths) == 0 {
		sum.Failed++
		updates[store.ColState] = StateError
		return
	}

	sum.Completed++
	updates[store.ColState] = StateCompleted
	updates[store.ColPDFFolder] = batch.DestFolder
	updates[store.ColFile] = batch.ReceiptPath
	updates[store.ColPDF] = strings.Join(baseNames(batch.FinalPaths), "; ")
	log.Info("Client enrolled and documents filed.", zap.Int("documents", len(batch.FinalPaths)))
}

// fillWithCaptchaRetries opens the form and submits it, retrying on form
// errors with a fresh captcha up to the attempt limit. Any other status ends
// the loop immediately.
func (o *Orchestrator) fillWithCaptchaRetries(ctx context.Context, row map[string]string, log *zap.Logger) (portal.FillResult, int, bool) {
	var last portal.FillResult
	for attempt := 1; attempt <= maxCaptchaAttempts; attempt++ {
		if err := o.form.Open(ctx); err != nil {
			return portal.FillResult{Status: portal.FillDriverError, Err: err}, attempt, false
		}
		captchaPath, err := o.form.CaptchaImage(ctx)
		if err != nil {
			return portal.FillResult{Status: portal.FillDriverError, Err: err}, attempt, false
		}
		answer, err := o.solver.Solve(ctx, captchaPath)
		if err != nil {
			return portal.FillResult{Status: portal.FillDriverError, Err: err}, attempt, false
		}

		last = o.form.FillAndValidate(ctx, portal.Fields{
			CURP:         strings.TrimSpace(row[store.ColCURP]),
			RFC:          strings.TrimSpace(row[store.ColRFC]),
			NSS:          strings.TrimSpace(row[store.ColNSS]),
			Email:        strings.TrimSpace(row[store.ColEmail]),
			EmailConfirm: strings.TrimSpace(row[store.ColEmail]),
			Captcha:      answer,
		})
		switch last.Status {
		case portal.FillOK:
			return last, attempt, true
		case portal.FillFormError:
			log.Info("Form error, retrying with a new captcha.",
				zap.Int("attempt", attempt), zap.String("detail", last.FormError))
			continue
		default:
			return last, attempt, false
		}
	}
	return last, maxCaptchaAttempts, false
}

// NotifyAll sends the filed receipt to every completed client that has a
// phone number, recording the delivery in the workbook.
func (o *Orchestrator) NotifyAll(ctx context.Context, messages MessageSource) (Summary, error) {
	var sum Summary
	if o.notifier == nil {
		return sum, fmt.Errorf("no notifier configured")
	}
	open := o.notifier.Open(ctx)
	switch open.Status {
	case whatsapp.SessionNeedsAuth:
		return sum, fmt.Errorf("whatsapp session needs authentication, scan the QR at %s", open.QRPath)
	case whatsapp.SessionError:
		return sum, fmt.Errorf("opening whatsapp session: %w", open.Err)
	case whatsapp.SessionOK:
	}

	count, err := o.clients.RowCount()
	if err != nil {
		return sum, fmt.Errorf("counting clients: %w", err)
	}
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		row, err := o.clients.Row(i)
		if err != nil {
			sum.Failed++
			continue
		}
		state := strings.TrimSpace(row[store.ColState])
		receipt := strings.TrimSpace(row[store.ColFile])
		phone := strings.TrimSpace(row[store.ColPhone])
		if state != StateCompleted && state != StateAlreadyIn {
			sum.Skipped++
			continue
		}
		if receipt == "" {
			sum.Skipped++
			continue
		}
		sum.Processed++

		name := strings.TrimSpace(row[store.ColName])
		message := ""
		if messages != nil {
			message = messages.MessageFor(name)
		}
		res := o.notifier.SendDocument(ctx, name, phone, message, receipt)
		if res.Status == whatsapp.SendNeedsAuth {
			// The session got unlinked mid-run; pressing on would fail every
			// remaining client the same way.
			return sum, fmt.Errorf("whatsapp session expired mid-run, scan the QR at %s", res.QRPath)
		}
		updates := map[string]string{}
		switch res.Status {
		case whatsapp.SendOK:
			sum.Completed++
			updates[store.ColState] = StateSent
		case whatsapp.SendError:
			sum.Failed++
			updates[store.ColState] = StateSendFailed
			o.logger.Warn("Could not deliver receipt.",
				zap.Int("row", i), zap.String("client", name),
				zap.String("rejection", res.FailureText), zap.Error(res.Err))
		}
		if err := o.clients.UpdateRow(i, updates); err != nil {
			o.logger.Error("Could not update row.", zap.Int("row", i), zap.Error(err))
		}
		if err := o.clients.Save(ctx); err != nil {
			o.logger.Error("Could not save workbook.", zap.Error(err))
		}
	}
	return sum, nil
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = baseName(p)
	}
	return out
}

func baseName(p string) string {
	if idx := strings.LastIndexAny(p, `/\`); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
