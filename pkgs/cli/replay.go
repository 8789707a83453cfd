package cli

import (
	"github.com/keskad/loconet/pkgs/app"
	"github.com/spf13/cobra"
)

func NewReplayCommand(app *app.MonitorApp) *cobra.Command {
	type Args struct {
		Fast bool
	}

	cmdArgs := Args{}
	command := &cobra.Command{
		Use:   "replay <capture-file>",
		Short: "Replay a capture file through the monitor",
		Long: `Feeds a previously captured traffic file to the monitor in place of the
serial port. When the capture contains timestamps the original inter-frame
timing is reproduced; --fast replays as fast as possible instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			if err := app.Initialize(); err != nil {
				return err
			}

			app.Config.Replay.Enabled = true
			app.Config.Replay.File = args[0]
			app.Config.Replay.Fast = cmdArgs.Fast

			return app.MonitorAction()
		},
	}

	command.Flags().BoolVarP(&app.Debug, "debug", "v", false, "Increase verbosity to the debug level")
	command.Flags().BoolVarP(&cmdArgs.Fast, "fast", "f", false, "Ignore timestamps and replay as fast as possible")

	return command
}
