package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/laguz/internal"
	"github.com/starford/laguz/internal/bundle"
	"github.com/starford/laguz/internal/crypt"
	"github.com/starford/laguz/internal/mcpserver"
	"github.com/starford/laguz/internal/state"
	pkgconfig "github.com/starford/laguz/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// pipelines builds the bundle store and both pipelines from the config.
// logger should write to stderr for subcommands that own stdout.
func pipelines(cfg *internal.Config, logger *slog.Logger) (*bundle.Store, *bundle.Importer, *bundle.Exporter, error) {
	store, err := bundle.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init bundle store: %w", err)
	}
	sessions, err := state.Open(cfg.Data.StatePath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init session state: %w", err)
	}

	importer := bundle.NewImporter(store, sessions, logger)
	var enc bundle.Encryptor = crypt.Noop{}
	if cfg.Crypto.Enabled() {
		aes, aesErr := crypt.NewAESGCM(cfg.Crypto.Key)
		if aesErr != nil {
			return nil, nil, nil, fmt.Errorf("init crypto: %w", aesErr)
		}
		enc = aes
		importer.Decryptor = aes
	}
	return store, importer, bundle.NewExporter(store, enc, logger), nil
}

func stderrLogger(cfg *internal.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func runImport(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	archive := cmd.Args().First()
	if archive == "" {
		return fmt.Errorf("usage: laguz import <archive.zip>")
	}

	_, importer, _, err := pipelines(cfg, stderrLogger(cfg))
	if err != nil {
		return err
	}
	act, _, err := importer.Import(ctx, archive, bundle.ImportOptions{
		Force: cmd.Bool("force"),
	})
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	if act.Reused {
		fmt.Printf("reused existing bundle %s (%s)\n", act.Slug, act.Alias)
	} else {
		fmt.Printf("activated bundle %s (%s) at %s\n", act.Slug, act.Alias, act.Path)
	}
	for _, w := range act.Warnings {
		fmt.Printf("warning: %s: %s\n", w.Kind, w.Detail)
	}
	return nil
}

func runExport(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	slug := cmd.Args().First()
	if slug == "" {
		return fmt.Errorf("usage: laguz export <slug>")
	}

	_, _, exporter, err := pipelines(cfg, stderrLogger(cfg))
	if err != nil {
		return err
	}
	archivePath, warnings, err := exporter.Export(ctx, slug)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Printf("exported %s\n", archivePath)
	for _, w := range warnings {
		fmt.Printf("warning: %s: %s\n", w.Kind, w.Detail)
	}
	return nil
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol stream, so logs go to stderr.
	store, _, exporter, err := pipelines(cfg, stderrLogger(cfg))
	if err != nil {
		return err
	}
	return mcpserver.New(store, exporter).ServeStdio()
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: filepath.Join("config", "config.yaml"),
		Value:       filepath.Join("config", "config.yaml"),
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:   "laguz",
		Usage:  "Patient record bundle service: verified import, integrity checks, and verifiable export archives",
		Action: runServe,
		Flags:  []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Action: runServe,
				Flags:  []cli.Flag{configFlag},
			},
			{
				Name:      "import",
				Usage:     "Import a bundle archive from the command line",
				ArgsUsage: "<archive.zip>",
				Action:    runImport,
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Bypass duplicate detection and overwrite an existing bundle",
					},
				},
			},
			{
				Name:      "export",
				Usage:     "Export an active bundle into a verifiable archive",
				ArgsUsage: "<slug>",
				Action:    runExport,
				Flags:     []cli.Flag{configFlag},
			},
			{
				Name:   "mcp",
				Usage:  "Run the MCP server on stdin/stdout",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
