// cmd/enroll.go
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mxtramites/tramitador/internal/observability"
	"github.com/mxtramites/tramitador/internal/orchestrator"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Register every pending client from the workbook and file their receipts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx := cmd.Context()

		c, teardown, err := buildComponents(ctx, appCfg, logger)
		if err != nil {
			return err
		}
		defer teardown()

		orch, err := orchestrator.New(appCfg, logger, c.form, c.acquirer, c.session, c.clients, newPromptSolver())
		if err != nil {
			return err
		}

		sum, err := orch.EnrollAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("Enrollment summary",
			zap.Int("processed", sum.Processed),
			zap.Int("completed", sum.Completed),
			zap.Int("already_registered", sum.AlreadyRegistered),
			zap.Int("skipped", sum.Skipped),
			zap.Int("failed", sum.Failed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}
