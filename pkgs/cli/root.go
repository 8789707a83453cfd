package cli

import (
	"errors"

	"github.com/keskad/loconet/pkgs/app"
	"github.com/spf13/cobra"
)

func NewRootCommand(app *app.MonitorApp) *cobra.Command {
	command := &cobra.Command{
		Use:   "loconet",
		Short: "LocoNet bus monitor and layout state mirror",
		RunE: func(command *cobra.Command, args []string) error {
			return errors.New("please select a command")
		},
	}

	command.AddCommand(NewMonitorCommand(app))
	command.AddCommand(NewReplayCommand(app))
	command.AddCommand(NewWebCommand(app))

	return command
}
