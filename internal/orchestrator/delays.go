package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
	"github.com/resetready/migrationd/internal/store"
)

// handleDelayRequest applies the delay policy: each user gets at most
// MaxDelays extensions, each clamped to MaxDelay. A request past the count
// cap is auto-rejected and converts into a mandatory Escalated transition.
// Oversized durations are clamped, never rejected.
func (o *Orchestrator) handleDelayRequest(ctx context.Context, connID string, payload any) (*protocol.Message, error) {
	req := payload.(*protocol.DelayRequest)
	if req.UserID == "" {
		return nil, fmt.Errorf("delay request without user id")
	}

	state, err := o.store.GetMigrationState(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("delay request for unscheduled user: %w", err)
	}

	if state.DelayCount >= o.cfg.Policy.MaxDelays {
		reason := fmt.Sprintf("delay limit reached (%d of %d used)",
			state.DelayCount, o.cfg.Policy.MaxDelays)
		if err := o.store.RecordDelayRequest(&store.DelayRequest{
			UserID:           req.UserID,
			RequestedSeconds: req.RequestedDelaySeconds,
			Reason:           req.Reason,
			Status:           store.DelayRejected,
		}); err != nil {
			return nil, err
		}
		o.escalate(req.UserID, store.TriggerMaxDelaysExceeded, reason, false)
		return protocol.NewMessage(protocol.TypeEscalationNotice, &protocol.EscalationNotice{
			Kind:    string(store.TriggerMaxDelaysExceeded),
			Message: "Maximum delays used; your migration has been escalated to IT.",
		})
	}

	requested := time.Duration(req.RequestedDelaySeconds) * time.Second
	granted := requested
	if granted > o.cfg.MaxDelay() {
		granted = o.cfg.MaxDelay()
	}
	if granted <= 0 {
		return nil, fmt.Errorf("delay request with non-positive duration")
	}

	if !o.cfg.AutoApproveDelays() {
		// Queued for human review; deadline unchanged until then.
		if err := o.store.RecordDelayRequest(&store.DelayRequest{
			UserID:           req.UserID,
			RequestedSeconds: req.RequestedDelaySeconds,
			GrantedSeconds:   int64(granted / time.Second),
			Reason:           req.Reason,
			Status:           store.DelayPending,
		}); err != nil {
			return nil, err
		}
		logging.Info("Delay request pending review: user=%s requested=%s", req.UserID, requested)
		return nil, nil
	}

	base := time.Now()
	if state.Deadline != nil {
		base = *state.Deadline
	}
	newDeadline := base.Add(granted)

	if err := o.store.RecordDelayRequest(&store.DelayRequest{
		UserID:           req.UserID,
		RequestedSeconds: req.RequestedDelaySeconds,
		GrantedSeconds:   int64(granted / time.Second),
		Reason:           req.Reason,
		Status:           store.DelayApproved,
		NewDeadline:      &newDeadline,
	}); err != nil {
		return nil, err
	}
	if err := o.store.SetDeadline(req.UserID, newDeadline); err != nil {
		return nil, err
	}
	if err := o.store.IncrementDelayCount(req.UserID); err != nil {
		return nil, err
	}

	logging.Info("Delay approved: user=%s granted=%s new_deadline=%s (%d of %d)",
		req.UserID, granted, newDeadline.Format(time.RFC3339),
		state.DelayCount+1, o.cfg.Policy.MaxDelays)

	// Re-issue the backup request with the same categories and the extended
	// deadline.
	refreshed, err := o.store.GetMigrationState(req.UserID)
	if err != nil {
		return nil, err
	}
	profile, perr := o.store.GetProfile(req.UserID)
	priority := 0
	if perr == nil {
		priority = profile.Priority
	}
	return o.pendingBackupRequest(refreshed, priority)
}
