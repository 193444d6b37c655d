package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/ubuntu/decorate"
)

func installCheckCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a single dispatch cycle and exit",
		Long: `Fetch the feature layer once, notify the webhook of every updated record and commit the
acknowledged versions. The cycle report is printed as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.checkRun(cmd.Context(), cmd)
		},
	}
	app.cmd.AddCommand(cmd)
}

func (a *App) checkRun(ctx context.Context, cmd *cobra.Command) (err error) {
	defer decorate.OnError(&err, "single check failed")

	// A single cycle never hosts the loop.
	a.config.Dispatch.AutoStart = false
	c, err := a.newComponents(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.policy.Load(); err != nil {
		return fmt.Errorf("failed to load notification policy: %v", err)
	}

	rep, err := c.scheduler.RunCycle(ctx)
	if err != nil {
		return err
	}
	slog.Info("Dispatch cycle completed", "cycle", rep.CycleID, "notified", rep.Notified, "failed", rep.Failed)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
