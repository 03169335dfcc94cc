package magpie

import (
	"context"
	"fmt"
	"io"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/magpie/config"
	"tangled.sh/tangled.sh/magpie/fingerprint"
	"tangled.sh/tangled.sh/magpie/ledger"
	"tangled.sh/tangled.sh/magpie/log"
	"tangled.sh/tangled.sh/magpie/repository"
	"tangled.sh/tangled.sh/magpie/task"
	"tangled.sh/tangled.sh/magpie/telemetry"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "build steps through the artifact cache",
		ArgsUsage: "<step>...",
		Action:    RunCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "step configuration file",
				Value:   "magpie.yml",
			},
			&cli.StringFlag{
				Name:  "server-url",
				Usage: "artifact store url (http, https, redis or file)",
			},
			&cli.StringSliceFlag{
				Name:  "step",
				Usage: "step to run, bare (kind) or qualified (kind:target); may be repeated",
			},
			&cli.BoolFlag{
				Name:  "skip-existing",
				Usage: "treat versioned files already on disk as built",
			},
			&cli.BoolFlag{
				Name:  "pipeline",
				Usage: "chain steps whose outputs feed the next step kind",
			},
			&cli.BoolFlag{
				Name:  "version-after-build",
				Usage: "run every step first, then version its outputs",
			},
			&cli.StringFlag{
				Name:  "ledger",
				Usage: "where to write the versioned file map",
				Value: ledger.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "ledger-template",
				Usage: "text/template used to render the versioned file map",
			},
		},
		Description: `
Environment variables:
	MAGPIE_API_KEY     (uploads are disabled when unset)
	MAGPIE_SERVER_URL  (default: http://127.0.0.1:8888)
	MAGPIE_TIMEOUT     (default: 30s)
	MAGPIE_RETRIES     (default: 3)
	MAGPIE_LOG_LEVEL   (default: info)
	MAGPIE_TELEMETRY   (off, stdout or otlp; default: off)
`,
	}
}

func RunCommand(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if url := cmd.String("server-url"); url != "" {
		cfg.Client.ServerUrl = url
	}

	opts := Options{
		Steps:             append(cmd.StringSlice("step"), cmd.Args().Slice()...),
		SkipExisting:      cmd.Bool("skip-existing"),
		Pipeline:          cmd.Bool("pipeline"),
		VersionAfterBuild: cmd.Bool("version-after-build"),
		LedgerPath:        cmd.String("ledger"),
		LedgerTemplate:    cmd.String("ledger-template"),
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	f, err := task.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load step configuration: %w", err)
	}

	repo, err := repository.Open(cfg.Client)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	if c, ok := repo.(io.Closer); ok {
		defer c.Close()
	}

	mode, err := telemetry.ParseMode(cfg.Client.Telemetry)
	if err != nil {
		return err
	}
	t, err := telemetry.New(ctx, "magpie", versioninfo.Short(), mode)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer t.Shutdown(context.Background())

	hasher, err := fingerprint.NewHasher()
	if err != nil {
		return err
	}
	defer hasher.Close()

	m := New(opts, task.NewExec(ctx, f, ""), repo,
		WithHasher(hasher),
		WithLogger(logger),
	)
	return m.Run(ctx)
}
