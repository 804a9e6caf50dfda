// cmd/notify.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/observability"
	"github.com/mxtramites/tramitador/internal/orchestrator"
	"github.com/mxtramites/tramitador/internal/pdftext"
)

var (
	notifyMessage     string
	notifyMessagesPDF string
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send the filed receipt to every completed client over WhatsApp.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		messages := orchestrator.MessageSource(orchestrator.StaticMessage(notifyMessage))
		if notifyMessagesPDF != "" {
			pages, err := pdftext.NewExtractor(logger).ExtractPages(ctx, notifyMessagesPDF)
			if err != nil {
				return fmt.Errorf("reading messages PDF: %w", err)
			}
			messages = &pdfMessages{pages: pages, fallback: notifyMessage, logger: logger}
		}

		c, teardown, err := buildComponents(ctx, appCfg, logger)
		if err != nil {
			return err
		}
		defer teardown()

		orch, err := orchestrator.New(appCfg, logger, c.form, c.acquirer, c.session, c.clients, newPromptSolver())
		if err != nil {
			return err
		}

		sum, err := orch.NotifyAll(ctx, messages)
		if err != nil {
			return err
		}
		logger.Info("Notification summary",
			zap.Int("processed", sum.Processed),
			zap.Int("sent", sum.Completed),
			zap.Int("skipped", sum.Skipped),
			zap.Int("failed", sum.Failed))
		return nil
	},
}

// pdfMessages pulls each client's caption from their page in a combined
// messages PDF, falling back to the static message when no page matches.
type pdfMessages struct {
	pages    []string
	fallback string
	logger   *zap.Logger
}

func (p *pdfMessages) MessageFor(clientName string) string {
	page, snippet, found := pdftext.FindClientMessage(p.pages, clientName)
	if !found {
		p.logger.Debug("No PDF page for client, using fallback message.", zap.String("client", clientName))
		return p.fallback
	}
	p.logger.Debug("Using PDF message.", zap.String("client", clientName), zap.Int("page", page))
	return snippet
}

func init() {
	notifyCmd.Flags().StringVarP(&notifyMessage, "message", "m", "", "caption message to send with the receipt")
	notifyCmd.Flags().StringVar(&notifyMessagesPDF, "messages-pdf", "", "PDF with one page per client; the matching page becomes the caption")
	rootCmd.AddCommand(notifyCmd)
}
