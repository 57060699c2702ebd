// Command forest-archive is the thin operator-facing CLI over the Forest
// CAR archive engine: export, import, gc and inspect. Everything the
// engine itself needs from the surrounding node (chain walking, sync
// status, epoch resolution) is supplied here as the simplest CLI-shaped
// stand-in — flag-driven constants and a "walk everything currently in
// the writable backend" default walker — rather than chain logic of its
// own.
package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "forest-archive",
		Version:     gitCommitSHA,
		Description: "Inspect, export, import and garbage-collect Forest CAR archives.",
		Flags:       configFlags(),
		Commands: []*cli.Command{
			newCmd_Export(),
			newCmd_Import(),
			newCmd_GC(),
			newCmd_Inspect(),
		},
	}
	sort.Sort(cli.FlagsByName(app.Flags))
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}
