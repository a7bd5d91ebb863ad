package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/resetready/migrationd/internal/agent"
	"github.com/resetready/migrationd/internal/channel"
	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/exitcodes"
	"github.com/resetready/migrationd/internal/logging"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "migration-agent",
		Usage:   "Per-user migration agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/migrationd/config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "User to act for (default: current user)",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Connect to the service and execute backup requests",
				Action: runAgent,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "staging-dir",
						Usage: "Backup staging directory (default: ~/.migration-staging)",
					},
				},
			},
			{
				Name:   "delay",
				Usage:  "Request a migration deadline extension",
				Action: requestDelay,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "hours",
						Value: 24,
						Usage: "Extension length in hours",
					},
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Why the extension is needed",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		logging.Error("%v (%s)", err, exitcodes.Description(code))
		os.Exit(code)
	}
}

// resolveUser returns the acting user's name and home directory.
func resolveUser(c *cli.Context) (string, string, error) {
	if name := c.String("user"); name != "" {
		u, err := user.Lookup(name)
		if err != nil {
			return "", "", fmt.Errorf("looking up user %s: %w", name, err)
		}
		return u.Username, u.HomeDir, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", "", fmt.Errorf("resolving current user: %w", err)
	}
	return u.Username, u.HomeDir, nil
}

func socketPath(c *cli.Context) (string, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if !c.IsSet("config") {
			cfg = config.Default()
		} else {
			return "", err
		}
	}
	endpoint := channel.EndpointName(cfg.Service.EndpointTemplate)
	return channel.SocketPath(cfg.Service.DataDir, endpoint), nil
}

func runAgent(c *cli.Context) error {
	userName, homeDir, err := resolveUser(c)
	if err != nil {
		return err
	}
	socket, err := socketPath(c)
	if err != nil {
		return err
	}

	staging := c.String("staging-dir")
	if staging == "" {
		staging = filepath.Join(homeDir, ".migration-staging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(userName, homeDir, staging)
	err = a.Run(ctx, socket)
	if err == context.Canceled {
		return nil
	}
	return err
}

func requestDelay(c *cli.Context) error {
	userName, _, err := resolveUser(c)
	if err != nil {
		return err
	}
	socket, err := socketPath(c)
	if err != nil {
		return err
	}

	hours := c.Int("hours")
	if hours <= 0 {
		return fmt.Errorf("invalid value for --hours: must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := agent.RequestDelay(ctx, socket, userName,
		c.String("reason"), time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(outcome)
	return nil
}
