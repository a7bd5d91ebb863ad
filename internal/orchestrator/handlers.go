package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
	"github.com/resetready/migrationd/internal/store"
)

// handleAgentStarted binds the session and brings the agent to a consistent
// view: a waiting user gets their pending BackupRequest replayed, everyone
// else gets the latest aggregate status. No separate resync protocol exists.
func (o *Orchestrator) handleAgentStarted(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	started := payload.(*protocol.AgentStarted)
	if started.UserID == "" {
		return nil, errors.New("agent started without user id")
	}

	o.bindSession(connID, started.UserID)
	logging.Info("Agent session started: user=%s session=%s conn=%s",
		started.UserID, started.SessionID, connID)

	state, err := o.store.GetMigrationState(started.UserID)
	if err == nil && state.State == store.StateWaitingForUser {
		profile, perr := o.store.GetProfile(started.UserID)
		priority := 0
		if perr == nil {
			priority = profile.Priority
		}
		return o.pendingBackupRequest(state, priority)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	msg, _, err := o.statusUpdate()
	return msg, err
}

func (o *Orchestrator) handleHeartbeat(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	hb := payload.(*protocol.Heartbeat)
	logging.Debug("Heartbeat: sender=%s seq=%d conn=%s", hb.SenderID, hb.SequenceNumber, connID)
	return nil, nil
}

// handleBackupStarted records the attempt and authorizes the state
// transition, consulting the quota gate first.
func (o *Orchestrator) handleBackupStarted(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	bs := payload.(*protocol.BackupStarted)

	state, err := o.store.GetMigrationState(bs.UserID)
	if err != nil {
		return nil, fmt.Errorf("backup started for unscheduled user: %w", err)
	}

	if state.State == store.StateWaitingForUser {
		if denied := o.quotaDenies(ctx, bs.UserID); denied {
			return nil, fmt.Errorf("quota exhausted for user %s", bs.UserID)
		}
		if err := o.store.TransitionState(bs.UserID, store.StateBackupInProgress,
			fmt.Sprintf("backup started: %s", bs.Category), actorService); err != nil {
			return nil, err
		}
	} else if state.State != store.StateBackupInProgress {
		return nil, fmt.Errorf("backup started in state %s", state.State)
	}

	if err := o.store.StartBackupAttempt(&store.BackupOperation{
		OperationID: bs.OperationID,
		UserID:      bs.UserID,
		Provider:    bs.Provider,
		Category:    bs.Category,
		BytesTotal:  bs.TotalBytes,
		ItemsTotal:  bs.TotalItems,
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// quotaDenies refreshes the user's quota snapshot and reports whether the
// gate blocks starting a backup. An exhausted quota escalates immediately.
func (o *Orchestrator) quotaDenies(ctx context.Context, userID string) bool {
	status, err := o.refreshQuota(ctx, userID)
	if err != nil || status == nil {
		// No usage reader or a transient read failure never blocks a backup.
		return false
	}
	if status.Health == store.HealthExceeded {
		o.escalate(userID, store.TriggerQuotaExceeded,
			fmt.Sprintf("cloud storage full: %d MB required, %d MB available",
				status.RequiredMB, status.AvailableMB), true)
		return true
	}
	return false
}

func (o *Orchestrator) handleBackupProgress(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	bp := payload.(*protocol.BackupProgress)

	if err := o.store.UpdateBackupProgress(bp.OperationID, bp.UserID,
		bp.BytesDone, bp.ItemsDone, bp.PercentDone); err != nil {
		return nil, err
	}
	o.updateUserProgress(bp.UserID, bp.PercentDone)
	return nil, nil
}

// updateUserProgress folds per-category progress into the 0-100 state
// progress: each requested category contributes an equal share.
func (o *Orchestrator) updateUserProgress(userID string, currentPct int) {
	total := len(o.cfg.Policy.BackupCategories)
	if total == 0 {
		return
	}
	done, err := o.store.CompletedCategories(userID)
	if err != nil {
		logging.Warn("Reading completed categories for %s failed: %v", userID, err)
		return
	}
	pct := (len(done)*100 + currentPct) / total
	if pct > 100 {
		pct = 100
	}
	if err := o.store.SetStateProgress(userID, pct); err != nil {
		logging.Warn("Updating progress for %s failed: %v", userID, err)
	}
}

// handleBackupCompleted finalizes one category; when every requested
// category is done the user advances to BackupCompleted. Duplicate delivery
// of the same completion is a no-op.
func (o *Orchestrator) handleBackupCompleted(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	bc := payload.(*protocol.BackupCompleted)

	applied, err := o.store.CompleteBackupAttempt(bc.OperationID, bc.UserID,
		bc.BytesDone, bc.ItemsDone, bc.ManifestPath)
	if err != nil {
		return nil, err
	}
	if !applied {
		logging.Debug("Duplicate completion for operation %s ignored", bc.OperationID)
		return nil, nil
	}

	done, err := o.store.CompletedCategories(bc.UserID)
	if err != nil {
		return nil, err
	}
	o.updateUserProgress(bc.UserID, 0)

	if containsAll(done, o.cfg.Policy.BackupCategories) {
		state, err := o.store.GetMigrationState(bc.UserID)
		if err != nil {
			return nil, err
		}
		if state.State == store.StateBackupInProgress {
			if err := o.store.TransitionState(bc.UserID, store.StateBackupCompleted,
				"all requested categories completed", actorService); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func (o *Orchestrator) handleUserAction(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	action := payload.(*protocol.UserAction)
	logging.Info("User action: user=%s action=%s detail=%q", action.UserID, action.Action, action.Detail)
	return nil, nil
}

// handleErrorReport fails the named attempt, if any, and escalates repeated
// category failures.
func (o *Orchestrator) handleErrorReport(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	report := payload.(*protocol.ErrorReport)
	logging.Warn("Agent error report: user=%s op=%s code=%s msg=%q",
		report.UserID, report.OperationID, report.Code, report.Message)

	if report.OperationID == "" {
		return nil, nil
	}
	if err := o.store.FailBackupAttempt(report.OperationID, report.UserID,
		report.Code, report.Message); err != nil {
		return nil, err
	}

	attempt, err := o.store.GetLatestAttempt(report.OperationID)
	if err != nil {
		return nil, err
	}
	if attempt.RetryCount >= 2 {
		o.escalate(report.UserID, store.TriggerBackupFailure,
			fmt.Sprintf("backup of %s failed %d times: %s",
				attempt.Category, attempt.RetryCount+1, report.Message), false)
	}
	return nil, nil
}

func (o *Orchestrator) handleAcknowledgment(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	ack := payload.(*protocol.Acknowledgment)
	if !ack.Success {
		logging.Warn("Agent nack for message %s: %s", ack.OriginalMessageID, ack.Error)
	}
	return nil, nil
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
