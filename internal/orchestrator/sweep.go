package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/store"
)

// RunSweeper runs the periodic sweep until ctx is cancelled. The sweep is
// timer-driven and independent of any single connection.
func (o *Orchestrator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval())
	defer ticker.Stop()

	// First sweep immediately so a restart converges without waiting a full
	// interval.
	o.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: detect profiles, advance eager transitions, enforce
// deadlines, escalate stale backups, check sync completion, refresh quota,
// and broadcast readiness when it changes. Individual step failures are
// logged and never abort the rest of the pass.
func (o *Orchestrator) Sweep(ctx context.Context) {
	if err := o.sweepDetection(ctx); err != nil {
		logging.Error("Profile detection sweep failed: %v", err)
	}
	if err := o.sweepStates(ctx); err != nil {
		logging.Error("State sweep failed: %v", err)
	}
	if err := o.sweepStaleBackups(); err != nil {
		logging.Error("Stale backup sweep failed: %v", err)
	}
	o.broadcastReadinessIfChanged()
}

// sweepDetection rescans profiles and schedules newly active users.
func (o *Orchestrator) sweepDetection(ctx context.Context) error {
	if o.scanner == nil {
		return nil
	}
	profiles, err := o.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scanning profiles: %w", err)
	}

	for _, p := range profiles {
		if err := o.store.UpsertProfile(p); err != nil {
			logging.Error("Upserting profile %s failed: %v", p.UserID, err)
			continue
		}
		if !p.IsActive || !p.RequiresBackup {
			continue
		}
		if err := o.store.CreateMigrationState(p.UserID); err != nil {
			logging.Error("Scheduling migration for %s failed: %v", p.UserID, err)
		}
	}
	return nil
}

// sweepStates advances every active user's state machine one step where a
// timer-driven transition applies.
func (o *Orchestrator) sweepStates(ctx context.Context) error {
	profiles, err := o.store.ListActiveProfiles()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range profiles {
		state, err := o.store.GetMigrationState(p.UserID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Error("Reading state for %s failed: %v", p.UserID, err)
			continue
		}

		switch state.State {
		case store.StateNotStarted:
			if err := o.store.TransitionState(p.UserID, store.StateInitializing,
				"profile detected active", actorService); err != nil {
				logging.Error("Initializing %s failed: %v", p.UserID, err)
			}

		case store.StateInitializing:
			deadline := now.Add(o.cfg.DefaultWindow())
			if err := o.store.TransitionStateWithDeadline(p.UserID, store.StateWaitingForUser,
				"backup request queued", actorService, deadline); err != nil {
				logging.Error("Queueing backup for %s failed: %v", p.UserID, err)
				continue
			}
			o.issueBackupRequest(p.UserID, p.Priority)
			o.refreshQuotaLogged(ctx, p.UserID)

		case store.StateWaitingForUser, store.StateBackupInProgress:
			if state.Deadline != nil && now.After(*state.Deadline) {
				o.escalate(p.UserID, store.TriggerDeadlineBreach,
					fmt.Sprintf("migration deadline %s passed",
						state.Deadline.Format(time.RFC3339)), false)
			}

		case store.StateBackupCompleted:
			if err := o.store.TransitionState(p.UserID, store.StateSyncInProgress,
				"waiting for cloud sync", actorService); err != nil {
				logging.Error("Starting sync wait for %s failed: %v", p.UserID, err)
			}

		case store.StateSyncInProgress:
			o.checkSync(ctx, p.UserID)
		}
	}
	return nil
}

// issueBackupRequest sends the pending request to a connected agent.
func (o *Orchestrator) issueBackupRequest(userID string, priority int) {
	state, err := o.store.GetMigrationState(userID)
	if err != nil {
		logging.Error("Reading state for backup request to %s failed: %v", userID, err)
		return
	}
	msg, err := o.pendingBackupRequest(state, priority)
	if err != nil {
		logging.Error("Building backup request for %s failed: %v", userID, err)
		return
	}
	o.sendToUser(userID, msg)
}

// checkSync advances SyncInProgress users whose cloud sync reports
// up-to-date. Sync errors are surfaced as escalations after the fact by the
// external detector, not guessed at here.
func (o *Orchestrator) checkSync(ctx context.Context, userID string) {
	if o.sync == nil {
		return
	}
	upToDate, err := o.sync.UpToDate(ctx, userID)
	if err != nil {
		logging.Warn("Sync check for %s failed: %v", userID, err)
		return
	}
	if !upToDate {
		return
	}
	if err := o.store.TransitionState(userID, store.StateReadyForReset,
		"cloud sync up to date", actorService); err != nil {
		logging.Error("Completing migration for %s failed: %v", userID, err)
		return
	}
	logging.Info("User %s is ready for reset", userID)
	if o.notifier != nil {
		if err := o.notifier.UserReady(userID); err != nil {
			logging.Warn("Ready notification for %s failed: %v", userID, err)
		}
	}
}

// sweepStaleBackups escalates running attempts that stopped reporting.
func (o *Orchestrator) sweepStaleBackups() error {
	cutoff := time.Now().Add(-time.Duration(o.cfg.Policy.StaleBackupMinutes) * time.Minute)
	stale, err := o.store.StaleRunningBackups(cutoff)
	if err != nil {
		return err
	}
	for _, op := range stale {
		o.escalate(op.UserID, store.TriggerBackupTimeout,
			fmt.Sprintf("backup of %s has made no progress since %s",
				op.Category, op.UpdatedAt.Format(time.RFC3339)), false)
	}
	return nil
}

// refreshQuota pulls fresh usage numbers, evaluates health, persists the
// snapshot, and applies warning/escalation policy on degradation. Returns
// nil without error when no usage reader is wired.
func (o *Orchestrator) refreshQuota(ctx context.Context, userID string) (*store.QuotaStatus, error) {
	if o.usage == nil || o.gate == nil {
		return nil, nil
	}
	profile, err := o.store.GetProfile(userID)
	if err != nil {
		return nil, err
	}
	totalMB, usedMB, err := o.usage.Usage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading cloud usage for %s: %w", userID, err)
	}

	required := o.gate.RequiredMB(profile.ProfileSizeBytes)
	status := o.gate.Evaluate(userID, totalMB, usedMB, required)

	previous, err := o.store.GetQuotaStatus(userID)
	prevHealth := store.HealthHealthy
	if err == nil {
		prevHealth = previous.Health
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := o.store.SaveQuotaStatus(status); err != nil {
		return nil, err
	}

	if degradedToCritical(prevHealth, status.Health) {
		message := fmt.Sprintf("quota health %s: %d MB required, %d MB available",
			status.Health, status.RequiredMB, status.AvailableMB)
		if err := o.store.SaveQuotaWarning(userID, status.Health, message); err != nil {
			logging.Error("Saving quota warning for %s failed: %v", userID, err)
		}
		if o.cfg.Quota.AutoEscalateCriticalIssues {
			o.escalate(userID, store.TriggerQuotaExceeded, message, true)
		}
		if o.notifier != nil {
			if err := o.notifier.QuotaCritical(userID, status); err != nil {
				logging.Warn("Quota notification for %s failed: %v", userID, err)
			}
		}
	}
	return status, nil
}

func (o *Orchestrator) refreshQuotaLogged(ctx context.Context, userID string) {
	if _, err := o.refreshQuota(ctx, userID); err != nil {
		logging.Warn("Quota refresh for %s failed: %v", userID, err)
	}
}

// degradedToCritical reports a crossing into Critical or Exceeded.
func degradedToCritical(from, to store.HealthLevel) bool {
	wasCritical := from == store.HealthCritical || from == store.HealthExceeded
	isCritical := to == store.HealthCritical || to == store.HealthExceeded
	return isCritical && !wasCritical
}

// broadcastReadinessIfChanged emits a StatusUpdate to every agent when the
// aggregate readiness flips, and notifies when the machine becomes ready.
func (o *Orchestrator) broadcastReadinessIfChanged() {
	msg, readiness, err := o.statusUpdate()
	if err != nil {
		logging.Error("Computing readiness failed: %v", err)
		return
	}

	o.mu.Lock()
	changed := !o.haveBroadcast || readiness.CanReset != o.lastCanReset
	o.lastCanReset = readiness.CanReset
	o.haveBroadcast = true
	o.mu.Unlock()

	if !changed {
		return
	}

	o.sender.Broadcast(msg)
	logging.Info("Readiness changed: can_reset=%v blocking=%d",
		readiness.CanReset, len(readiness.BlockingUsers))

	if readiness.CanReset && o.notifier != nil {
		if err := o.notifier.MachineReady(readiness); err != nil {
			logging.Warn("Machine-ready notification failed: %v", err)
		}
	}
}
