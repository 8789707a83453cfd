package cli

import (
	"github.com/keskad/loconet/pkgs/app"
	"github.com/spf13/cobra"
)

// monitorFlags covers the transport options shared by monitor and web.
type monitorFlags struct {
	Port        string
	Baud        int
	Capture     bool
	CaptureFile string
	Timestamps  bool
	Dummy       bool
}

// apply copies every flag the user actually set over the file configuration.
func (f *monitorFlags) apply(command *cobra.Command, app *app.MonitorApp) {
	if command.Flags().Changed("port") {
		app.Config.Port.Path = f.Port
	}
	if command.Flags().Changed("baud") {
		app.Config.Port.Baud = f.Baud
	}
	if command.Flags().Changed("capture") {
		app.Config.Capture.Enabled = f.Capture
	}
	if command.Flags().Changed("capture-file") {
		app.Config.Capture.File = f.CaptureFile
		app.Config.Capture.Enabled = true
	}
	if command.Flags().Changed("timestamps") {
		app.Config.Capture.Timestamps = f.Timestamps
	}
	if command.Flags().Changed("dummy") {
		app.Config.Dummy = f.Dummy
	}
}

func (f *monitorFlags) register(command *cobra.Command, app *app.MonitorApp) {
	command.Flags().BoolVarP(&app.Debug, "debug", "v", false, "Increase verbosity to the debug level")
	command.Flags().StringVarP(&f.Port, "port", "p", "", "Serial port the command station is attached to")
	command.Flags().IntVarP(&f.Baud, "baud", "b", 0, "Serial port baud rate")
	command.Flags().BoolVarP(&f.Capture, "capture", "c", false, "Capture all traffic to the capture file")
	command.Flags().StringVarP(&f.CaptureFile, "capture-file", "", "", "Capture file path (implies --capture)")
	command.Flags().BoolVarP(&f.Timestamps, "timestamps", "t", false, "Write timestamps into the capture file")
	command.Flags().BoolVarP(&f.Dummy, "dummy", "", false, "Run without hardware, ignoring the serial port")
}

func NewMonitorCommand(app *app.MonitorApp) *cobra.Command {
	flags := monitorFlags{}
	command := &cobra.Command{
		Use:   "monitor",
		Short: "Print every message seen on the bus",
		Long: `Opens the serial port of the command station and prints every decoded
message together with its raw frame bytes. With --capture the raw traffic is
also appended to a capture file for later replay.

Examples:
  loconet monitor --port /dev/ttyUSB0
  loconet monitor -c -t --capture-file evening-session.capture
  loconet monitor --dummy -v`,
		RunE: func(command *cobra.Command, args []string) error {
			if err := app.Initialize(); err != nil {
				return err
			}
			flags.apply(command, app)
			return app.MonitorAction()
		},
	}

	flags.register(command, app)

	return command
}
