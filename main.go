package main

import (
	"os"

	"github.com/keskad/loconet/pkgs/app"
	"github.com/keskad/loconet/pkgs/cli"
	"github.com/keskad/loconet/pkgs/output"
)

func main() {
	app := app.MonitorApp{P: output.TimestampedPrinter{}}
	cmd := cli.NewRootCommand(&app)
	args := os.Args
	if args != nil {
		args = args[1:]
		cmd.SetArgs(args)
	}
	err := cmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
