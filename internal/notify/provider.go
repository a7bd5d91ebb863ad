package notify

import "github.com/resetready/migrationd/internal/store"

// Provider defines the notification contract for migration events.
// This interface allows for different notification backends (Slack, email,
// ticketing) and enables easier testing through mock implementations.
type Provider interface {
	// EscalationRaised fires when a policy rule creates an IT escalation.
	EscalationRaised(userID string, trigger store.EscalationTrigger, reason string, immediate bool) error

	// QuotaCritical fires when a user's quota health crosses into Critical or Exceeded.
	QuotaCritical(userID string, status *store.QuotaStatus) error

	// UserReady fires when one user reaches ReadyForReset.
	UserReady(userID string) error

	// MachineReady fires when machine-wide readiness flips to true.
	MachineReady(readiness *store.Readiness) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
