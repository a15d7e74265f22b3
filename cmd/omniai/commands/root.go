// Package commands defines the omniai command line.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/omniplexity/omniai/internal/app"
	"github.com/omniplexity/omniai/internal/auth"
	"github.com/omniplexity/omniai/internal/config"
	"github.com/omniplexity/omniai/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "omniai",
		Usage: "Privacy-first AI chat backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("OMNIAI_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
		},
	}
	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Starts the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error), overrides the config file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json), overrides the config file",
			},
		},
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}

	if err := observability.Instrument(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed: %w", err)
	}
	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mints a bearer token for a user",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:     "user-id",
				Usage:    "numeric user id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "role",
				Usage: "user or admin",
				Value: auth.RoleUser,
			},
			&cli.BoolFlag{
				Name:  "disabled",
				Usage: "mint the token for a disabled account",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime",
				Value: auth.DefaultLifetime,
			},
		},
		Action: tokenAction,
	}
}

func tokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret)
	if err != nil {
		return err
	}

	role := cmd.String("role")
	if role != auth.RoleUser && role != auth.RoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	status := auth.StatusActive
	if cmd.Bool("disabled") {
		status = auth.StatusDisabled
	}

	token, err := issuer.Issue(auth.Identity{UserID: cmd.Int64("user-id"), Role: role, Status: status}, cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}
