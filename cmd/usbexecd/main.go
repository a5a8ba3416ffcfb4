package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tessel/usbexecd/daemon"
)

func main() {
	// A re-executed child never reaches the CLI below.
	daemon.MaybeLaunch()

	app := &cli.App{
		Name:      "usbexecd",
		Usage:     "multiplexes child process execution over a local stream socket",
		ArgsUsage: "<socket-path>",
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() != 1 {
				return fmt.Errorf("usage: usbexecd <socket-path>")
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			d, err := daemon.New(daemon.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("building daemon: %w", err)
			}
			return d.Run(ctx.Args().First())
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
