package cli

import (
	"github.com/keskad/loconet/pkgs/app"
	"github.com/spf13/cobra"
)

func NewWebCommand(app *app.MonitorApp) *cobra.Command {
	type Args struct {
		Listen string
	}

	cmdArgs := Args{}
	flags := monitorFlags{}
	command := &cobra.Command{
		Use:   "web",
		Short: "Monitor the bus and push layout state to browsers",
		Long: `Runs the monitor and serves the mirrored layout state (slots, sensors,
switches) as JSON over a WebSocket for the HTML layout view.

Examples:
  loconet web --listen :8766
  loconet web --dummy --listen localhost:9000`,
		RunE: func(command *cobra.Command, args []string) error {
			if err := app.Initialize(); err != nil {
				return err
			}
			flags.apply(command, app)
			if command.Flags().Changed("listen") {
				app.Config.Web.Listen = cmdArgs.Listen
			}
			return app.WebAction()
		},
	}

	flags.register(command, app)
	command.Flags().StringVarP(&cmdArgs.Listen, "listen", "l", "", "Address to serve the layout view socket on")

	return command
}
