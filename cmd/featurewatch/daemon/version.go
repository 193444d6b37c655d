package daemon

import (
	"fmt"

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/spf13/cobra"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Returns the running version of " + constants.CmdName + " and exits",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return getVersion(cmd) },
	}
	a.cmd.AddCommand(cmd)
}

// getVersion prints the current version.
func getVersion(cmd *cobra.Command) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.CmdName, constants.Version)
	return err
}
