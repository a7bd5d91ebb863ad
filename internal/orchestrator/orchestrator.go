// Package orchestrator drives the per-user and machine-wide migration state
// machine: it reacts to agent messages, runs the periodic sweep, applies
// delay and escalation policy, and emits outbound channel messages.
package orchestrator

import (
	"context"
	"sync"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/dispatch"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/notify"
	"github.com/resetready/migrationd/internal/protocol"
	"github.com/resetready/migrationd/internal/quota"
	"github.com/resetready/migrationd/internal/scan"
	"github.com/resetready/migrationd/internal/store"
)

const actorService = "service"

// Sender delivers outbound messages to peers. The channel server implements
// it; tests supply a recording fake.
type Sender interface {
	Send(connID string, msg *protocol.Message) error
	Broadcast(msg *protocol.Message)
}

// SyncChecker reports whether a user's cloud sync has reached an up-to-date
// status. The native sync client detection is an external collaborator.
type SyncChecker interface {
	UpToDate(ctx context.Context, userID string) (bool, error)
}

// Orchestrator coordinates the migration workflow.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	sender   Sender
	gate     *quota.Gate
	usage    quota.UsageReader
	sync     SyncChecker
	scanner  scan.Scanner
	notifier notify.Provider

	// Connection registry: owned exclusively by the orchestrator; other
	// components go through its methods.
	mu        sync.Mutex
	connUsers map[string]string // connection id -> user id
	userConns map[string]string // user id -> connection id

	// Last readiness broadcast, updated only after confirmed writes.
	lastCanReset  bool
	haveBroadcast bool
}

// New creates an orchestrator. Collaborators that are optional (usage
// reader, sync checker, scanner) may be nil; the related sweep steps are
// skipped.
func New(cfg *config.Config, st *store.Store, sender Sender, gate *quota.Gate,
	usage quota.UsageReader, syncCheck SyncChecker, scanner scan.Scanner,
	notifier notify.Provider) *Orchestrator {

	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		sender:    sender,
		gate:      gate,
		usage:     usage,
		sync:      syncCheck,
		scanner:   scanner,
		notifier:  notifier,
		connUsers: make(map[string]string),
		userConns: make(map[string]string),
	}
}

// Register binds all message handlers onto the dispatch registry.
func (o *Orchestrator) Register(registry *dispatch.Registry) {
	registry.Register(protocol.TypeAgentStarted, o.handleAgentStarted)
	registry.Register(protocol.TypeHeartbeat, o.handleHeartbeat)
	registry.Register(protocol.TypeBackupStarted, o.handleBackupStarted)
	registry.Register(protocol.TypeBackupProgress, o.handleBackupProgress)
	registry.Register(protocol.TypeBackupCompleted, o.handleBackupCompleted)
	registry.Register(protocol.TypeDelayRequest, o.handleDelayRequest)
	registry.Register(protocol.TypeUserAction, o.handleUserAction)
	registry.Register(protocol.TypeErrorReport, o.handleErrorReport)
	registry.Register(protocol.TypeAcknowledgment, o.handleAcknowledgment)
}

// ConnectionClosed drops the session bookkeeping for a disconnected peer.
func (o *Orchestrator) ConnectionClosed(connID string) {
	o.mu.Lock()
	userID, ok := o.connUsers[connID]
	delete(o.connUsers, connID)
	if ok && o.userConns[userID] == connID {
		delete(o.userConns, userID)
	}
	o.mu.Unlock()

	if ok {
		logging.Info("Agent session ended: user=%s conn=%s", userID, connID)
	}
}

func (o *Orchestrator) bindSession(connID, userID string) {
	o.mu.Lock()
	o.connUsers[connID] = userID
	o.userConns[userID] = connID
	o.mu.Unlock()
}

func (o *Orchestrator) connForUser(userID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	connID, ok := o.userConns[userID]
	return connID, ok
}

// sendToUser delivers a message to a user's agent if one is connected.
func (o *Orchestrator) sendToUser(userID string, msg *protocol.Message) {
	connID, ok := o.connForUser(userID)
	if !ok {
		logging.Debug("No agent connected for user %s; %s not delivered", userID, msg.Type)
		return
	}
	if err := o.sender.Send(connID, msg); err != nil {
		logging.Warn("Sending %s to user %s failed: %v", msg.Type, userID, err)
	}
}

// pendingBackupRequest builds the BackupRequest matching a user's current
// waiting state: the configured categories with the recorded deadline.
func (o *Orchestrator) pendingBackupRequest(state *store.MigrationState, priority int) (*protocol.Message, error) {
	req := &protocol.BackupRequest{
		Categories: o.cfg.Policy.BackupCategories,
		Priority:   priority,
	}
	if state.Deadline != nil {
		req.Deadline = *state.Deadline
	}
	return protocol.NewMessage(protocol.TypeBackupRequest, req)
}

// statusUpdate builds the current aggregate readiness message.
func (o *Orchestrator) statusUpdate() (*protocol.Message, *store.Readiness, error) {
	readiness, err := o.store.GetMigrationReadiness()
	if err != nil {
		return nil, nil, err
	}
	state := "blocked"
	if readiness.CanReset {
		state = "ready"
	}
	msg, err := protocol.NewMessage(protocol.TypeStatusUpdate, &protocol.StatusUpdate{
		ReadinessState: state,
		BlockingUsers:  readiness.BlockingUsers,
		CompletedUsers: readiness.CompletedUsers,
		TotalUsers:     readiness.TotalUsers,
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, readiness, nil
}

// escalate applies the escalation policy for one user: transition to
// Escalated (state permitting), record the IT escalation, notify, and inform
// the agent. Escalation never destroys the underlying state.
func (o *Orchestrator) escalate(userID string, trigger store.EscalationTrigger, reason string, immediate bool) {
	state, err := o.store.GetMigrationState(userID)
	if err != nil {
		logging.Error("Escalation for unknown user %s: %v", userID, err)
		return
	}

	if state.State != store.StateEscalated && store.CanTransition(state.State, store.StateEscalated) {
		if err := o.store.TransitionState(userID, store.StateEscalated, reason, actorService); err != nil {
			logging.Error("Escalation transition for %s failed: %v", userID, err)
			return
		}
	}

	if _, err := o.store.CreateEscalation(userID, trigger, reason, immediate); err != nil {
		logging.Error("Recording escalation for %s failed: %v", userID, err)
		return
	}

	if o.notifier != nil {
		if err := o.notifier.EscalationRaised(userID, trigger, reason, immediate); err != nil {
			logging.Warn("Escalation notification for %s failed: %v", userID, err)
		}
	}

	notice, err := protocol.NewMessage(protocol.TypeEscalationNotice, &protocol.EscalationNotice{
		Kind:    string(trigger),
		Message: reason,
	})
	if err == nil {
		o.sendToUser(userID, notice)
	}
	logging.Info("Escalated user %s: trigger=%s reason=%q", userID, trigger, reason)
}
