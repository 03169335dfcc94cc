package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/magpie/config"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/magpie"
	"tangled.sh/tangled.sh/magpie/server"
)

func main() {
	cmd := &cli.Command{
		Name:   "magpie",
		Usage:  "content-addressed artifact cache for build steps",
		Before: setupLogging,
		Commands: []*cli.Command{
			magpie.Command(),
			server.Command(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.New("magpie").Error(err.Error())
		os.Exit(1)
	}
}

// setupLogging applies MAGPIE_LOG_LEVEL before any logger is built and puts
// the root logger into the context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to load config: %w", err)
	}
	log.SetLevel(cfg.Client.LogLevel)

	logger := log.New("magpie")
	return log.IntoContext(ctx, logger.With("command", cmd.Name)), nil
}
