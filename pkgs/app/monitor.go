package app

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keskad/loconet/pkgs/lnbus"
	"github.com/keskad/loconet/pkgs/message"
	"github.com/keskad/loconet/pkgs/scrollkeeper"
	"github.com/keskad/loconet/pkgs/webview"
)

// MonitorAction opens the bus interface and prints every message until
// interrupted, or until the replayed capture runs out.
func (app *MonitorApp) MonitorAction() error {
	iface, err := app.openInterface()
	if err != nil {
		return err
	}

	sk := scrollkeeper.New(iface)
	iface.RegisterCallback(sk.OnMessage)
	iface.RegisterCallback(func(m message.Message) {
		app.P.Printf("%s  [% X]\n", m, m.Bytes())
	})

	app.runUntilDone(iface)
	iface.Shutdown()
	app.printStats(iface)
	return nil
}

// WebAction runs the monitor and serves the layout view socket alongside.
func (app *MonitorApp) WebAction() error {
	iface, err := app.openInterface()
	if err != nil {
		return err
	}

	sk := scrollkeeper.New(iface)
	iface.RegisterCallback(sk.OnMessage)

	view := webview.New(sk, time.Duration(app.Config.Web.Interval)*time.Millisecond)
	go func() {
		if serveErr := view.ListenAndServe(app.Config.Web.Listen); serveErr != nil {
			logrus.Errorf("webview stopped: %v", serveErr)
		}
	}()

	app.runUntilDone(iface)
	iface.Shutdown()
	app.printStats(iface)
	return nil
}

// runUntilDone blocks until an interrupt arrives or the interface closes on
// its own (end of a replayed capture, transport failure).
func (app *MonitorApp) runUntilDone(iface *lnbus.Interface) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-sig:
			logrus.Debug("Interrupted, shutting down")
			return
		case <-tick.C:
			if iface.Closed() {
				return
			}
		}
	}
}

func (app *MonitorApp) printStats(iface *lnbus.Interface) {
	stats := iface.Stats()
	app.P.Printf("frames: %d  written: %d  bad checksums: %d  discarded bytes: %d  dropped: %d\n",
		stats.Framed, stats.Written, stats.BadChecksum, stats.DiscardedBytes, stats.DroppedInbound)
}
