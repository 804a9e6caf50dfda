// cmd/components.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/browser"
	"github.com/mxtramites/tramitador/internal/config"
	"github.com/mxtramites/tramitador/internal/downloads"
	"github.com/mxtramites/tramitador/internal/portal"
	"github.com/mxtramites/tramitador/internal/store"
	"github.com/mxtramites/tramitador/internal/whatsapp"
)

// components bundles the long-lived pieces a command needs. The browser and
// the workbook are shared across the run; teardown closes both.
type components struct {
	runID    string
	drv      *browser.Chrome
	form     *portal.FormSession
	acquirer *downloads.Protocol
	session  *whatsapp.Session
	clients  *store.Workbook
}

// buildComponents wires everything off the loaded config. The returned
// teardown is safe to call once, even after partial failures elsewhere.
func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, func(), error) {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	clients, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening client workbook: %w", err)
	}

	drv, err := browser.NewChrome(ctx, cfg.Browser, logger)
	if err != nil {
		_ = clients.Close()
		return nil, nil, fmt.Errorf("starting browser: %w", err)
	}

	c := &components{
		runID:    runID,
		drv:      drv,
		form:     portal.NewFormSession(drv, cfg.Portal, cfg.Browser.NavigationTimeout, logger),
		acquirer: downloads.NewProtocol(cfg.Downloads, logger),
		session:  whatsapp.NewSession(drv, cfg.WhatsApp, cfg.Browser.NavigationTimeout, logger),
		clients:  clients,
	}
	teardown := func() {
		// The WhatsApp session borrows the shared driver; its Close is a
		// no-op and the browser shuts down once, here.
		_ = c.session.Close(context.Background())
		if err := drv.Close(context.Background()); err != nil {
			logger.Warn("Browser shutdown failed.", zap.Error(err))
		}
		if err := clients.Close(); err != nil {
			logger.Warn("Workbook close failed.", zap.Error(err))
		}
	}
	return c, teardown, nil
}

// promptSolver asks the operator to read the captcha image and type the
// answer on the terminal.
type promptSolver struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptSolver() *promptSolver {
	return &promptSolver{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (p *promptSolver) Solve(ctx context.Context, imagePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.out, "Captcha guardado en %s\nEscribe el texto del captcha: ", imagePath)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading captcha answer: %w", err)
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return "", fmt.Errorf("empty captcha answer")
	}
	return answer, nil
}
