package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/config"
	"github.com/urfave/cli/v3"
)

func main() {
	logger := log.NewLogger()

	cmd := &cli.Command{
		Name:  "stackup",
		Usage: "Moves large files into STACK storage",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Print debug logs",
				Sources: cli.EnvVars("DEBUG"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger.EnableDebugLog(cmd.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(logger),
			uploadCommand(logger),
			importCommand(logger),
			shareCommand(logger),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		if ctx.Err() != nil {
			logger.Warnf("Cancelled")
		} else {
			logger.Errorf("%s", err)
		}
		stop()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(env.NewRepository())
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func requireStack(cfg config.Config) error {
	if !cfg.HasStack() {
		return fmt.Errorf("STACK_API_URL, STACK_USERNAME and STACK_PASSWORD must be set")
	}
	return nil
}
