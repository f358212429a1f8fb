package main

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/furvino/go-stackutils/publish"
	"github.com/furvino/go-stackutils/publish/fileprovider"
	"github.com/furvino/go-stackutils/stack"
	"github.com/furvino/go-stackutils/stack/waiter"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/urfave/cli/v3"
)

func importCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Copies a file from a URL into STACK and publishes it",
		ArgsUsage: "<file://path | http(s)://url>",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "source"},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "folder",
				Usage:    "Target folder below STACK_PATH_PREFIX",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "chunk-size",
				Usage: "Append size of the backend upload session",
				Value: "8MiB",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			source := cmd.StringArg("source")
			if source == "" {
				return fmt.Errorf("no source given")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireStack(cfg); err != nil {
				return err
			}

			chunkSize, err := units.RAMInBytes(cmd.String("chunk-size"))
			if err != nil {
				return fmt.Errorf("invalid chunk size: %w", err)
			}

			folder, err := session.ResolveFolder(cmd.String("folder"), cfg.AllowedFolders)
			if err != nil {
				return err
			}
			pathParts := publish.RootParts(cfg.StackPathPrefix)
			if folder != "" {
				pathParts = append(pathParts, strings.Split(folder, "/")...)
			}

			client, err := stack.NewClient(cfg.StackOptions(), logger)
			if err != nil {
				return err
			}

			importer := publish.NewImporter(fileprovider.NewFileProvider(logger), client, chunkSize, logger)
			result, err := importer.Import(ctx, source, pathParts)
			if err != nil {
				return err
			}
			fmt.Println(result.URL)
			return nil
		},
	}
}

func shareCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "share",
		Usage:     "Waits for a STACK path to appear and prints a public link to it",
		ArgsUsage: "<path>",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "path"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			target := cmd.StringArg("path")
			if target == "" {
				return fmt.Errorf("no path given")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireStack(cfg); err != nil {
				return err
			}

			// Relative paths are taken from STACK_PATH_PREFIX.
			if !strings.HasPrefix(target, "/") {
				target = path.Join(cfg.StackPathPrefix, target)
			}

			client, err := stack.NewClient(cfg.StackOptions(), logger)
			if err != nil {
				return err
			}

			publisher := publish.NewPublisher(waiter.New(client, cfg.WaiterConfig(), logger), client, logger)
			result, err := publisher.Publish(ctx, target)
			if err != nil {
				return err
			}
			fmt.Println(result.URL)
			return nil
		},
	}
}
