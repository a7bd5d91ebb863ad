// Package service wires the store, channel server, dispatcher and
// orchestrator together and owns the process lifecycle.
package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/resetready/migrationd/internal/channel"
	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/dispatch"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/notify"
	"github.com/resetready/migrationd/internal/orchestrator"
	"github.com/resetready/migrationd/internal/protocol"
	"github.com/resetready/migrationd/internal/quota"
	"github.com/resetready/migrationd/internal/scan"
	"github.com/resetready/migrationd/internal/store"
)

// Service is the privileged coordination daemon.
type Service struct {
	cfg *config.Config

	// External collaborators; nil disables the related behavior.
	Usage   quota.UsageReader
	Sync    orchestrator.SyncChecker
	Scanner scan.Scanner
}

// New creates a service with the default filesystem scanner. The cloud
// usage reader and sync checker are platform collaborators injected by the
// caller when available.
func New(cfg *config.Config) *Service {
	return &Service{
		cfg:     cfg,
		Scanner: scan.NewFSScanner(cfg.Scan),
	}
}

// Run starts the service and blocks until ctx is cancelled or a fatal error
// occurs. Schema migration failure and an unavailable channel endpoint are
// startup-fatal: the service refuses to run with partial state.
func (s *Service) Run(ctx context.Context) error {
	st, err := store.Open(s.cfg.Service.DataDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	endpoint := channel.EndpointName(s.cfg.Service.EndpointTemplate)
	socketPath := channel.SocketPath(s.cfg.Service.DataDir, endpoint)
	logging.Info("Starting migration service: endpoint=%s data_dir=%s", endpoint, s.cfg.Service.DataDir)

	registry := dispatch.NewRegistry()
	gate := quota.NewGate(s.cfg.Quota)
	notifier := notify.New(&s.cfg.Slack)

	var orch *orchestrator.Orchestrator
	var server *channel.Server
	server = channel.NewServer(socketPath,
		func(msgCtx context.Context, connID string, msg *protocol.Message) {
			if reply := registry.Dispatch(msgCtx, connID, msg); reply != nil {
				if err := server.Send(connID, reply); err != nil {
					logging.Warn("Reply to %s failed: %v", connID, err)
				}
			}
		},
		func(connID string) {
			orch.ConnectionClosed(connID)
		},
	)

	orch = orchestrator.New(s.cfg, st, server, gate, s.Usage, s.Sync, s.Scanner, notifier)
	orch.Register(registry)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return orch.RunSweeper(gctx) })

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	select {
	case err := <-waitErr:
		return ignoreCancel(err)
	case <-ctx.Done():
	}

	// Cooperative shutdown with a bounded grace period; tasks that ignore
	// cancellation past the grace are abandoned, not awaited.
	select {
	case err := <-waitErr:
		return ignoreCancel(err)
	case <-time.After(s.cfg.ShutdownGrace()):
		logging.Warn("Shutdown grace period %s elapsed; abandoning in-flight work", s.cfg.ShutdownGrace())
		return ctx.Err()
	}
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
