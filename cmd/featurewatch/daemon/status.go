package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/monitor/store"
	"github.com/spf13/cobra"
	"github.com/ubuntu/decorate"
)

type statusOutput struct {
	Running     bool       `json:"running"`
	Stale       bool       `json:"stale"`
	RunID       string     `json:"run_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

func installStatusCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted monitoring run status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.statusRun(cmd.Context(), cmd)
		},
	}
	app.cmd.AddCommand(cmd)
}

func (a *App) statusRun(ctx context.Context, cmd *cobra.Command) (err error) {
	defer decorate.OnError(&err, "could not read monitoring status")

	st, err := store.Open(ctx, a.config.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	rs, err := st.RunStatus(ctx)
	if err != nil {
		return err
	}

	staleAfter := a.config.Dispatch.StaleAfter
	if staleAfter <= 0 {
		interval := a.config.Dispatch.Interval
		if interval <= 0 {
			interval = constants.DefaultInterval
		}
		staleAfter = 5 * interval
	}

	out := statusOutput{
		Running: rs.IsRunning,
		Stale:   rs.Stale(time.Now(), staleAfter),
		RunID:   rs.RunID,
	}
	if !rs.StartedAt.IsZero() {
		out.StartedAt = &rs.StartedAt
	}
	if !rs.HeartbeatAt.IsZero() {
		out.HeartbeatAt = &rs.HeartbeatAt
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
