package app

import (
	"fmt"
	"os"

	"github.com/keskad/loconet/pkgs/config"
	"github.com/keskad/loconet/pkgs/lnbus"
	"github.com/keskad/loconet/pkgs/output"
	"github.com/sirupsen/logrus"
)

//
// Actions - a controller level
// prints are allowed only via Printer interface
//
// The controller level provides everything needed to perform a single action
// e.g. run the bus monitor against a port or a capture file
//

type MonitorApp struct {
	Config *config.Configuration

	// runtime parameters
	Debug bool
	P     output.Printer
}

// Initialize is running after parsing the arguments, so we know how to configure the app
func (app *MonitorApp) Initialize() error {
	// logging
	if app.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// configuration
	logrus.Debug("Reading configuration files")
	cfg, cfgErr := config.NewConfig()
	app.Config = cfg
	if cfgErr != nil {
		return fmt.Errorf("cannot initialize app: %s", cfgErr)
	}
	return nil
}

// openInterface builds the bus interface the configuration asks for: a real
// serial port, a capture file being replayed, or the dummy transport.
func (app *MonitorApp) openInterface() (*lnbus.Interface, error) {
	var opts []lnbus.Option

	if app.Config.Capture.Enabled {
		f, err := os.OpenFile(app.Config.Capture.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open capture file: %s", err.Error())
		}
		opts = append(opts, lnbus.WithCapture(f, app.Config.Capture.Timestamps))
		logrus.Debugf("Capturing traffic to %s", app.Config.Capture.File)
	}

	if app.Config.Replay.Enabled {
		if !app.Config.Replay.Fast {
			opts = append(opts, lnbus.WithPacing(lnbus.Realtime))
		}
		f, err := os.Open(app.Config.Replay.File)
		if err != nil {
			return nil, fmt.Errorf("cannot open replay file: %s", err.Error())
		}
		logrus.Debugf("Replaying traffic from %s", app.Config.Replay.File)
		return lnbus.NewReplay(f, opts...), nil
	}

	if app.Config.Dummy {
		logrus.Debug("Dummy mode, not touching any hardware")
		return lnbus.NewDummy(opts...), nil
	}

	port, err := lnbus.OpenPort(app.Config.Port.Path, app.Config.Port.Baud)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Opened %s at %d baud", app.Config.Port.Path, app.Config.Port.Baud)
	return lnbus.New(port, opts...), nil
}
