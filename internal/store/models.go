package store

import "time"

// StateType is the per-user migration state machine position.
type StateType string

const (
	StateNotStarted       StateType = "not_started"
	StateInitializing     StateType = "initializing"
	StateWaitingForUser   StateType = "waiting_for_user"
	StateBackupInProgress StateType = "backup_in_progress"
	StateBackupCompleted  StateType = "backup_completed"
	StateSyncInProgress   StateType = "sync_in_progress"
	StateReadyForReset    StateType = "ready_for_reset"
	StateCancelled        StateType = "cancelled"
	StateFailed           StateType = "failed"
	StateEscalated        StateType = "escalated"
)

// IsTerminal reports whether no further automatic transitions happen.
func (s StateType) IsTerminal() bool {
	switch s {
	case StateReadyForReset, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// legalTransitions is the per-user state machine. Side exits to Cancelled,
// Failed and Escalated are reachable from any non-terminal state; Escalated
// can be resolved back into WaitingForUser.
var legalTransitions = map[StateType][]StateType{
	StateNotStarted:       {StateInitializing, StateCancelled, StateFailed, StateEscalated},
	StateInitializing:     {StateWaitingForUser, StateCancelled, StateFailed, StateEscalated},
	StateWaitingForUser:   {StateBackupInProgress, StateCancelled, StateFailed, StateEscalated},
	StateBackupInProgress: {StateBackupCompleted, StateCancelled, StateFailed, StateEscalated},
	StateBackupCompleted:  {StateSyncInProgress, StateCancelled, StateFailed, StateEscalated},
	StateSyncInProgress:   {StateReadyForReset, StateCancelled, StateFailed, StateEscalated},
	StateEscalated:        {StateWaitingForUser, StateCancelled, StateFailed},
	StateReadyForReset:    {},
	StateCancelled:        {},
	StateFailed:           {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to StateType) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EscalationTrigger classifies why an IT escalation was raised.
type EscalationTrigger string

const (
	TriggerQuotaExceeded     EscalationTrigger = "quota_exceeded"
	TriggerSyncError         EscalationTrigger = "sync_error"
	TriggerOversizedMail     EscalationTrigger = "oversized_mail_store"
	TriggerBackupTimeout     EscalationTrigger = "backup_timeout"
	TriggerDeadlineBreach    EscalationTrigger = "deadline_breach"
	TriggerUserRequest       EscalationTrigger = "user_request"
	TriggerBackupFailure     EscalationTrigger = "backup_failure"
	TriggerMaxDelaysExceeded EscalationTrigger = "max_delays_exceeded"
)

// HealthLevel classifies cloud-storage headroom for a user's backup.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
	HealthExceeded HealthLevel = "exceeded"
)

// UserProfile is one local profile found by the detection scan. Profiles are
// never hard-deleted; a vanished directory only flips Status.
type UserProfile struct {
	UserID           string
	DisplayName      string
	Domain           string
	ProfilePath      string
	ProfileSizeBytes int64
	LastLoginAt      *time.Time
	IsActive         bool
	RequiresBackup   bool
	Priority         int
	Status           string
	FirstSeenAt      time.Time
	UpdatedAt        time.Time
}

// MigrationState is the 1:1 durable state machine record for a profile.
type MigrationState struct {
	UserID          string
	State           StateType
	Progress        int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Deadline        *time.Time
	DelayCount      int
	IsBlocking      bool
	AttentionReason string
	UpdatedAt       time.Time
}

// StateTransition is one append-only audit row.
type StateTransition struct {
	ID        int64
	UserID    string
	OldState  StateType
	NewState  StateType
	Reason    string
	Actor     string
	CreatedAt time.Time
}

// BackupOperation is one (user, category) backup attempt. Retries create new
// rows sharing the operation id; rows are never overwritten in place.
type BackupOperation struct {
	ID           int64
	OperationID  string
	UserID       string
	Provider     string
	Category     string
	Status       string
	BytesTotal   int64
	BytesDone    int64
	ItemsTotal   int64
	ItemsDone    int64
	PercentDone  int
	ErrorCode    string
	ErrorMessage string
	RetryCount   int
	ManifestPath string
	StartedAt    time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// Backup operation statuses.
const (
	BackupRunning   = "running"
	BackupCompleted = "completed"
	BackupFailed    = "failed"
)

// DelayRequest is immutable once approved or rejected.
type DelayRequest struct {
	ID               int64
	UserID           string
	RequestedSeconds int64
	GrantedSeconds   int64
	Reason           string
	Status           string
	NewDeadline      *time.Time
	CreatedAt        time.Time
}

// Delay request statuses.
const (
	DelayApproved = "approved"
	DelayRejected = "rejected"
	DelayPending  = "pending"
)

// ITEscalation is a recorded, human-actionable issue.
type ITEscalation struct {
	ID                      int64
	UserID                  string
	Trigger                 EscalationTrigger
	Reason                  string
	Status                  string
	Ticket                  string
	RequiresImmediateAction bool
	CreatedAt               time.Time
	ResolvedAt              *time.Time
}

// Escalation statuses.
const (
	EscalationOpen     = "open"
	EscalationResolved = "resolved"
)

// QuotaStatus is the per-user cloud-storage health snapshot.
type QuotaStatus struct {
	UserID          string
	TotalMB         int64
	UsedMB          int64
	AvailableMB     int64
	RequiredMB      int64
	Health          HealthLevel
	ShortfallMB     int64
	Issues          []string
	Recommendations []string
	CheckedAt       time.Time
}

// MigrationSummary is the joined per-user projection used by status views.
type MigrationSummary struct {
	UserID      string
	DisplayName string
	IsActive    bool
	State       StateType
	Progress    int
	Deadline    *time.Time
	DelayCount  int
	IsBlocking  bool
	Attention   string
}

// Readiness is the machine-wide reset predicate.
type Readiness struct {
	CanReset       bool
	TotalUsers     int
	ActiveUsers    int
	CompletedUsers int
	BlockingUsers  []string
}
