package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/furvino/go-stackutils/upload/chunkscheduler"
	"github.com/urfave/cli/v3"
)

func uploadCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Uploads a file through an upload-session server",
		ArgsUsage: "<file>",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "file"},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Upload server base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("STACKUP_SERVER"),
			},
			&cli.StringFlag{
				Name:     "folder",
				Usage:    "Target folder below the storage root, e.g. novels/abc/files/windows",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "File name to store (defaults to the local name)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Parts uploaded in parallel",
				Value: chunkscheduler.DefaultConcurrency,
			},
			&cli.StringFlag{
				Name:  "part-size",
				Usage: "Suggested part size, e.g. 16MiB (derived from the file size when empty)",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retries per part",
				Value: 3,
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish the file once it is stored",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "Upload id of an interrupted upload to continue",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			pth := cmd.StringArg("file")
			if pth == "" {
				return fmt.Errorf("no file given")
			}
			info, err := os.Stat(pth)
			if err != nil {
				return err
			}

			config := chunkscheduler.DefaultConfig()
			config.Concurrency = int(cmd.Int("concurrency"))
			config.Retry.Retries = int(cmd.Int("retries"))
			config.PartSize = chunkscheduler.SuggestPartSize(info.Size(), config.Concurrency)
			if partSize := cmd.String("part-size"); partSize != "" {
				if config.PartSize, err = units.RAMInBytes(partSize); err != nil {
					return fmt.Errorf("invalid part size %q: %w", partSize, err)
				}
			}
			config.OnProgress = func(p chunkscheduler.Progress) {
				logger.Printf("%d/%d parts, %s of %s", p.UploadedParts, p.TotalParts,
					units.HumanSize(float64(p.UploadedBytes)), units.HumanSize(float64(p.TotalBytes)))
			}
			config.OnThroughput = func(t chunkscheduler.Throughput) {
				logger.Debugf("%.1f Mbit/s", t.Mbps)
			}

			scheduler, err := chunkscheduler.New(config, logger)
			if err != nil {
				return err
			}

			client := chunkscheduler.NewSessionClient(cmd.String("server"), logger)
			defer client.CloseIdleConnections()

			result, err := scheduler.UploadFile(ctx, client, chunkscheduler.FileUpload{
				Path:         pth,
				TargetFolder: cmd.String("folder"),
				Filename:     cmd.String("name"),
				Publish:      cmd.Bool("publish"),
				ResumeID:     cmd.String("resume"),
			})
			if err != nil {
				if result.UploadID != "" && !errors.Is(err, chunkscheduler.ErrResumeMismatch) {
					logger.Warnf("Continue later with --resume %s", result.UploadID)
				}
				return err
			}

			logger.Donef("Stored %s (%s)", result.StackPath, units.HumanSize(float64(result.Size)))
			if result.ShareURL != "" {
				logger.Donef("Public link: %s", result.ShareURL)
			}
			if result.Degraded {
				logger.Warnf("The share may still ask for a password")
			}
			return nil
		},
	}
}
