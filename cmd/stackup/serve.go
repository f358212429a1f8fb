package main

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/config"
	"github.com/furvino/go-stackutils/publish"
	"github.com/furvino/go-stackutils/stack"
	"github.com/furvino/go-stackutils/stack/sharetoken"
	"github.com/furvino/go-stackutils/stack/waiter"
	"github.com/furvino/go-stackutils/upload/server"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/furvino/go-stackutils/upload/sink"
	"github.com/urfave/cli/v3"
)

func serveCommand(logger log.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Runs the upload-session server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Debug {
				logger.EnableDebugLog(true)
			}

			srv, err := newServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx, cfg.ListenAddr)
		},
	}
}

func newServer(ctx context.Context, cfg config.Config, logger log.Logger) (*server.Server, error) {
	var target session.Sink
	switch cfg.Sink {
	case config.SinkS3:
		s3Sink, err := sink.NewS3(ctx, cfg.S3Params(), logger)
		if err != nil {
			return nil, err
		}
		target = s3Sink
	default:
		fsSink, err := sink.NewFilesystem(cfg.StorageRoot, cfg.StackPathPrefix, logger)
		if err != nil {
			return nil, err
		}
		target = fsSink
	}

	store, err := session.NewStore(cfg.SessionConfig(), target, logger)
	if err != nil {
		return nil, err
	}

	opts := server.Options{
		Store:      store,
		SessionTTL: cfg.SessionTTL,
	}

	if cfg.HasStack() {
		client, err := stack.NewClient(cfg.StackOptions(), logger)
		if err != nil {
			return nil, err
		}

		// Files committed to S3 never show up in STACK, so there is nothing to publish.
		if cfg.Sink == config.SinkFilesystem {
			opts.Publisher = publish.NewPublisher(waiter.New(client, cfg.WaiterConfig(), logger), client, logger)
		}
		opts.Shares = publish.NewUploadShares(client, sharetoken.NewManager(client, logger), cfg.StackPathPrefix, cfg.AllowedFolders, cfg.ShareTTL)
		opts.StackAPIURL = client.BaseURL()
	} else {
		logger.Warnf("STACK credentials are not set: publishing and share tokens are disabled")
	}

	return server.New(opts, logger)
}
