// cmd/qr.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/observability"
	"github.com/mxtramites/tramitador/internal/whatsapp"
)

var qrWait time.Duration

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Open WhatsApp Web and wait for the operator to link the session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		c, teardown, err := buildComponents(ctx, appCfg, logger)
		if err != nil {
			return err
		}
		defer teardown()

		res := c.session.Open(ctx)
		switch res.Status {
		case whatsapp.SessionOK:
			logger.Info("WhatsApp session is already active.")
			return nil
		case whatsapp.SessionError:
			return fmt.Errorf("opening whatsapp session: %w", res.Err)
		case whatsapp.SessionNeedsAuth:
		}

		logger.Info("Scan the QR code to link the session.", zap.String("qr", res.QRPath))
		deadline := time.Now().Add(qrWait)
		for {
			if c.session.Active(ctx) {
				logger.Info("WhatsApp session linked.")
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("session was not linked within %s", qrWait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	},
}

func init() {
	qrCmd.Flags().DurationVar(&qrWait, "wait", 2*time.Minute, "how long to wait for the QR scan")
	rootCmd.AddCommand(qrCmd)
}
