package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/exitcodes"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/service"
	"github.com/resetready/migrationd/internal/store"
	"github.com/resetready/migrationd/internal/tui"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "migrationd",
		Usage:   "Local migration coordination service for device resets",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/migrationd/config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
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
			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the service in the foreground",
				Action: runService,
			},
			{
				Name:   "install",
				Usage:  "Install and enable the systemd service (requires root)",
				Action: installService,
			},
			{
				Name:   "uninstall",
				Usage:  "Stop and remove the systemd service (requires root)",
				Action: uninstallService,
			},
			{
				Name:   "start",
				Usage:  "Start the installed service",
				Action: func(c *cli.Context) error { return service.Start() },
			},
			{
				Name:   "stop",
				Usage:  "Stop the installed service",
				Action: func(c *cli.Context) error { return service.Stop() },
			},
			{
				Name:   "status",
				Usage:  "Show migration readiness and per-user state",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "Live dashboard (interactive terminal only)",
					},
				},
			},
			{
				Name:   "users",
				Usage:  "List detected user profiles",
				Action: listUsers,
			},
			{
				Name:      "history",
				Usage:     "Show the state transition history for a user",
				ArgsUsage: "<user-id>",
				Action:    showHistory,
			},
			{
				Name:   "escalations",
				Usage:  "List open IT escalations",
				Action: listEscalations,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		logging.Error("%v (%s)", err, exitcodes.Description(code))
		os.Exit(code)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		logging.Debug("No config at %s, using defaults", path)
		return config.Default(), nil
	}
	return config.Load(path)
}

func runService(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Service.Debug {
		logging.SetLevel(logging.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := service.New(cfg)
	if err := svc.Run(ctx); err != nil {
		return err
	}
	logging.Info("Service stopped")
	return nil
}

func installService(c *cli.Context) error {
	return service.Install(c.String("config"))
}

func uninstallService(c *cli.Context) error {
	return service.Uninstall()
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if c.Bool("watch") {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("--watch requires an interactive terminal")
		}
		return tui.Run(cfg.Service.DataDir)
	}

	st, err := store.Open(cfg.Service.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	readiness, err := st.GetMigrationReadiness()
	if err != nil {
		return err
	}
	summaries, err := st.GetMigrationSummaries()
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(struct {
			ServiceState string                    `json:"serviceState"`
			Readiness    *store.Readiness          `json:"readiness"`
			Users        []*store.MigrationSummary `json:"users"`
		}{service.UnitState(), readiness, summaries})
	}

	fmt.Printf("Service: %s\n", service.UnitState())
	if readiness.CanReset {
		fmt.Println("Machine readiness: READY FOR RESET")
	} else {
		fmt.Printf("Machine readiness: BLOCKED by %d user(s)\n", len(readiness.BlockingUsers))
	}
	fmt.Printf("Users: %d active, %d complete, %d total\n\n",
		readiness.ActiveUsers, readiness.CompletedUsers, readiness.TotalUsers)

	for _, s := range summaries {
		deadline := "-"
		if s.Deadline != nil {
			deadline = s.Deadline.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("  %-20s %-20s %3d%%  deadline=%s delays=%d\n",
			s.UserID, s.State, s.Progress, deadline, s.DelayCount)
		if s.Attention != "" {
			fmt.Printf("  %-20s needs attention: %s\n", "", s.Attention)
		}
	}
	return nil
}

func listUsers(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Service.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	profiles, err := st.ListProfiles()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		active := "inactive"
		if p.IsActive {
			active = "active"
		}
		fmt.Printf("  %-20s %-8s %-8s %6d MB  %s\n",
			p.UserID, active, p.Status, p.ProfileSizeBytes/(1024*1024), p.ProfilePath)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: migrationd history <user-id>")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Service.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	history, err := st.GetStateHistory(c.Args().First())
	if err != nil {
		return err
	}
	for _, t := range history {
		fmt.Printf("  %s  %-18s -> %-18s  %s (%s)\n",
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			t.OldState, t.NewState, t.Reason, t.Actor)
	}
	return nil
}

func listEscalations(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Service.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	open, err := st.ListOpenEscalations()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("No open escalations")
		return nil
	}
	for _, e := range open {
		urgency := ""
		if e.RequiresImmediateAction {
			urgency = "  [IMMEDIATE]"
		}
		fmt.Printf("  #%-4d %-20s %-22s %s%s\n", e.ID, e.UserID, e.Trigger, e.Reason, urgency)
	}
	return nil
}
