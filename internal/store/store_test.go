package store

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, userID string) {
	t.Helper()
	if err := s.UpsertProfile(&UserProfile{
		UserID:           userID,
		DisplayName:      userID,
		ProfilePath:      "/home/" + userID,
		ProfileSizeBytes: 150 * 1024 * 1024,
		IsActive:         true,
		RequiresBackup:   true,
		Status:           "present",
	}); err != nil {
		t.Fatalf("UpsertProfile(%s): %v", userID, err)
	}
	if err := s.CreateMigrationState(userID); err != nil {
		t.Fatalf("CreateMigrationState(%s): %v", userID, err)
	}
}

func mustTransition(t *testing.T, s *Store, userID string, to StateType) {
	t.Helper()
	if err := s.TransitionState(userID, to, "test", "test"); err != nil {
		t.Fatalf("TransitionState(%s -> %s): %v", userID, to, err)
	}
}

func TestTransitionState_FullPath(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "alice")

	path := []StateType{
		StateInitializing, StateWaitingForUser, StateBackupInProgress,
		StateBackupCompleted, StateSyncInProgress, StateReadyForReset,
	}
	for _, to := range path {
		mustTransition(t, s, "alice", to)
	}

	state, err := s.GetMigrationState("alice")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if state.State != StateReadyForReset {
		t.Errorf("state = %s, want %s", state.State, StateReadyForReset)
	}
	if state.IsBlocking {
		t.Error("ready user should not block")
	}
	if state.Progress != 100 {
		t.Errorf("progress = %d, want 100", state.Progress)
	}
	if state.StartedAt == nil {
		t.Error("started_at not set")
	}
	if state.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	history, err := s.GetStateHistory("alice")
	if err != nil {
		t.Fatalf("GetStateHistory: %v", err)
	}
	if len(history) != len(path) {
		t.Fatalf("history rows = %d, want %d", len(history), len(path))
	}
	if history[0].OldState != StateNotStarted || history[0].NewState != StateInitializing {
		t.Errorf("first transition = %s -> %s", history[0].OldState, history[0].NewState)
	}
	if history[len(history)-1].NewState != StateReadyForReset {
		t.Errorf("last transition to %s", history[len(history)-1].NewState)
	}
}

func TestTransitionStateWithDeadline_AtomicWrite(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "carol")
	mustTransition(t, s, "carol", StateInitializing)

	deadline := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	err := s.TransitionStateWithDeadline("carol", StateWaitingForUser,
		"backup request queued", "service", deadline)
	if err != nil {
		t.Fatalf("TransitionStateWithDeadline: %v", err)
	}

	state, err := s.GetMigrationState("carol")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if state.State != StateWaitingForUser {
		t.Errorf("state = %s, want %s", state.State, StateWaitingForUser)
	}
	if state.Deadline == nil || !state.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %s", state.Deadline, deadline)
	}

	// A rejected transition must not write the deadline either.
	err = s.TransitionStateWithDeadline("carol", StateReadyForReset,
		"skip ahead", "service", deadline.Add(time.Hour))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	state, err = s.GetMigrationState("carol")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if !state.Deadline.Equal(deadline) {
		t.Errorf("deadline moved to %v after rejected transition", state.Deadline)
	}
}

func TestTransitionState_IllegalRejectedWithoutHistory(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "bob")

	err := s.TransitionState("bob", StateBackupInProgress, "skip ahead", "test")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}

	state, err := s.GetMigrationState("bob")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if state.State != StateNotStarted {
		t.Errorf("state moved to %s after rejected transition", state.State)
	}
	history, err := s.GetStateHistory("bob")
	if err != nil {
		t.Fatalf("GetStateHistory: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("rejected transition left %d history rows", len(history))
	}
}

func TestTransitionState_TerminalStatesAreFinal(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "carol")
	mustTransition(t, s, "carol", StateCancelled)

	err := s.TransitionState("carol", StateInitializing, "revive", "test")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("transition out of Cancelled: err = %v, want ErrIllegalTransition", err)
	}

	state, _ := s.GetMigrationState("carol")
	if state.IsBlocking {
		t.Error("cancelled user should not block")
	}
}

func TestTransitionState_EscalatedResolvesToWaiting(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "dave")
	mustTransition(t, s, "dave", StateInitializing)
	mustTransition(t, s, "dave", StateWaitingForUser)

	if err := s.TransitionState("dave", StateEscalated, "deadline passed", "service"); err != nil {
		t.Fatalf("escalating: %v", err)
	}
	state, _ := s.GetMigrationState("dave")
	if state.AttentionReason != "deadline passed" {
		t.Errorf("attention_reason = %q", state.AttentionReason)
	}
	if !state.IsBlocking {
		t.Error("escalated user must keep blocking")
	}

	mustTransition(t, s, "dave", StateWaitingForUser)
	state, _ = s.GetMigrationState("dave")
	if state.State != StateWaitingForUser {
		t.Errorf("state = %s after resolution", state.State)
	}
}

func TestStartBackupAttempt_DuplicateAndRetry(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "erin")

	op := &BackupOperation{
		OperationID: "op-1",
		UserID:      "erin",
		Provider:    "dircopy",
		Category:    "files",
		BytesTotal:  1000,
	}
	if err := s.StartBackupAttempt(op); err != nil {
		t.Fatalf("StartBackupAttempt: %v", err)
	}
	// Duplicate delivery while running must not create a second row.
	if err := s.StartBackupAttempt(op); err != nil {
		t.Fatalf("duplicate StartBackupAttempt: %v", err)
	}
	ops, err := s.ListBackupOperations("erin")
	if err != nil {
		t.Fatalf("ListBackupOperations: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("attempts = %d, want 1", len(ops))
	}

	if err := s.FailBackupAttempt("op-1", "erin", "copy_failed", "disk error"); err != nil {
		t.Fatalf("FailBackupAttempt: %v", err)
	}
	// A retry after failure appends a new row with the same operation id.
	if err := s.StartBackupAttempt(op); err != nil {
		t.Fatalf("retry StartBackupAttempt: %v", err)
	}
	latest, err := s.GetLatestAttempt("op-1")
	if err != nil {
		t.Fatalf("GetLatestAttempt: %v", err)
	}
	if latest.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", latest.RetryCount)
	}
	if latest.Status != BackupRunning {
		t.Errorf("status = %s, want %s", latest.Status, BackupRunning)
	}
	ops, _ = s.ListBackupOperations("erin")
	if len(ops) != 2 {
		t.Errorf("attempts = %d, want 2", len(ops))
	}
}

func TestUpdateBackupProgress_MonotonicAndCapped(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "frank")
	if err := s.StartBackupAttempt(&BackupOperation{
		OperationID: "op-2", UserID: "frank", Category: "files", BytesTotal: 100,
	}); err != nil {
		t.Fatalf("StartBackupAttempt: %v", err)
	}

	if err := s.UpdateBackupProgress("op-2", "frank", 50, 5, 50); err != nil {
		t.Fatalf("UpdateBackupProgress: %v", err)
	}
	// A stale, out-of-order report must not move counters backwards.
	if err := s.UpdateBackupProgress("op-2", "frank", 30, 3, 30); err != nil {
		t.Fatalf("stale UpdateBackupProgress: %v", err)
	}
	op, _ := s.GetLatestAttempt("op-2")
	if op.BytesDone != 50 || op.ItemsDone != 5 || op.PercentDone != 50 {
		t.Errorf("progress regressed: bytes=%d items=%d pct=%d", op.BytesDone, op.ItemsDone, op.PercentDone)
	}

	// Percent stays below 100 until completion is reported.
	if err := s.UpdateBackupProgress("op-2", "frank", 100, 10, 100); err != nil {
		t.Fatalf("UpdateBackupProgress: %v", err)
	}
	op, _ = s.GetLatestAttempt("op-2")
	if op.PercentDone != 99 {
		t.Errorf("percent = %d, want 99 before completion", op.PercentDone)
	}
}

func TestCompleteBackupAttempt_Idempotent(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "grace")
	if err := s.StartBackupAttempt(&BackupOperation{
		OperationID: "op-3", UserID: "grace", Category: "files",
	}); err != nil {
		t.Fatalf("StartBackupAttempt: %v", err)
	}

	applied, err := s.CompleteBackupAttempt("op-3", "grace", 100, 10, "/tmp/manifest.json")
	if err != nil {
		t.Fatalf("CompleteBackupAttempt: %v", err)
	}
	if !applied {
		t.Fatal("first completion not applied")
	}

	applied, err = s.CompleteBackupAttempt("op-3", "grace", 100, 10, "/tmp/manifest.json")
	if err != nil {
		t.Fatalf("duplicate CompleteBackupAttempt: %v", err)
	}
	if applied {
		t.Error("duplicate completion reported as applied")
	}

	op, _ := s.GetLatestAttempt("op-3")
	if op.Status != BackupCompleted || op.PercentDone != 100 {
		t.Errorf("status=%s percent=%d after completion", op.Status, op.PercentDone)
	}
	if op.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	done, err := s.CompletedCategories("grace")
	if err != nil {
		t.Fatalf("CompletedCategories: %v", err)
	}
	if len(done) != 1 || done[0] != "files" {
		t.Errorf("completed categories = %v", done)
	}
}

func TestStaleRunningBackups(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "heidi")
	if err := s.StartBackupAttempt(&BackupOperation{
		OperationID: "op-4", UserID: "heidi", Category: "email",
	}); err != nil {
		t.Fatalf("StartBackupAttempt: %v", err)
	}

	stale, err := s.StaleRunningBackups(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("StaleRunningBackups: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh attempt reported stale: %d", len(stale))
	}

	stale, err = s.StaleRunningBackups(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StaleRunningBackups: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("stale attempts = %d, want 1", len(stale))
	}
}

func TestMigrationReadiness(t *testing.T) {
	s := newTestStore(t)

	seedUser(t, s, "ready")
	for _, to := range []StateType{
		StateInitializing, StateWaitingForUser, StateBackupInProgress,
		StateBackupCompleted, StateSyncInProgress, StateReadyForReset,
	} {
		mustTransition(t, s, "ready", to)
	}
	seedUser(t, s, "cancelled")
	mustTransition(t, s, "cancelled", StateCancelled)

	r, err := s.GetMigrationReadiness()
	if err != nil {
		t.Fatalf("GetMigrationReadiness: %v", err)
	}
	if !r.CanReset {
		t.Errorf("CanReset = false with blocking users %v", r.BlockingUsers)
	}

	// A new active user with no state row yet must block.
	if err := s.UpsertProfile(&UserProfile{
		UserID: "fresh", IsActive: true, RequiresBackup: true, Status: "present",
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	r, err = s.GetMigrationReadiness()
	if err != nil {
		t.Fatalf("GetMigrationReadiness: %v", err)
	}
	if r.CanReset {
		t.Error("CanReset = true with an unscheduled active user")
	}
	if len(r.BlockingUsers) != 1 || r.BlockingUsers[0] != "fresh" {
		t.Errorf("BlockingUsers = %v, want [fresh]", r.BlockingUsers)
	}

	// Failed and Escalated keep blocking.
	seedUser(t, s, "fresh")
	mustTransition(t, s, "fresh", StateFailed)
	r, _ = s.GetMigrationReadiness()
	if r.CanReset {
		t.Error("CanReset = true with a failed user")
	}
}

func TestDelayRequests(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "ivan")

	deadline := time.Now().Add(24 * time.Hour)
	for _, status := range []string{DelayApproved, DelayApproved, DelayRejected} {
		if err := s.RecordDelayRequest(&DelayRequest{
			UserID:           "ivan",
			RequestedSeconds: 3600,
			GrantedSeconds:   3600,
			Reason:           "finishing work",
			Status:           status,
			NewDeadline:      &deadline,
		}); err != nil {
			t.Fatalf("RecordDelayRequest(%s): %v", status, err)
		}
	}

	approved, err := s.CountApprovedDelays("ivan")
	if err != nil {
		t.Fatalf("CountApprovedDelays: %v", err)
	}
	if approved != 2 {
		t.Errorf("approved = %d, want 2", approved)
	}

	all, err := s.ListDelayRequests("ivan")
	if err != nil {
		t.Fatalf("ListDelayRequests: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("requests = %d, want 3", len(all))
	}
}

func TestCreateEscalation_DeduplicatesOpen(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "judy")

	first, err := s.CreateEscalation("judy", TriggerDeadlineBreach, "deadline passed", false)
	if err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	second, err := s.CreateEscalation("judy", TriggerDeadlineBreach, "deadline passed again", false)
	if err != nil {
		t.Fatalf("duplicate CreateEscalation: %v", err)
	}
	if first != second {
		t.Errorf("open escalation duplicated: %d != %d", first, second)
	}

	// A different trigger is a separate escalation.
	other, err := s.CreateEscalation("judy", TriggerBackupFailure, "backup failed", false)
	if err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if other == first {
		t.Error("distinct triggers collapsed into one escalation")
	}

	if err := s.ResolveEscalation(first, "INC-1234"); err != nil {
		t.Fatalf("ResolveEscalation: %v", err)
	}
	// After resolution the same trigger opens a new escalation.
	third, err := s.CreateEscalation("judy", TriggerDeadlineBreach, "breached once more", false)
	if err != nil {
		t.Fatalf("CreateEscalation after resolve: %v", err)
	}
	if third == first {
		t.Error("resolved escalation reused")
	}

	open, err := s.ListOpenEscalations()
	if err != nil {
		t.Fatalf("ListOpenEscalations: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("open escalations = %d, want 2", len(open))
	}
}

func TestProfileSoftDelete(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "kate")

	if err := s.MarkProfileMissing("kate"); err != nil {
		t.Fatalf("MarkProfileMissing: %v", err)
	}
	p, err := s.GetProfile("kate")
	if err != nil {
		t.Fatalf("GetProfile after soft delete: %v", err)
	}
	if p.Status != "missing" {
		t.Errorf("status = %q, want missing", p.Status)
	}

	active, err := s.ListActiveProfiles()
	if err != nil {
		t.Fatalf("ListActiveProfiles: %v", err)
	}
	for _, a := range active {
		if a.UserID == "kate" {
			t.Error("missing profile still listed active")
		}
	}
}

func TestQuotaStatusRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "leo")

	in := &QuotaStatus{
		UserID:          "leo",
		TotalMB:         100000,
		UsedMB:          40000,
		AvailableMB:     60000,
		RequiredMB:      1144,
		Health:          HealthHealthy,
		Issues:          []string{},
		Recommendations: []string{},
	}
	if err := s.SaveQuotaStatus(in); err != nil {
		t.Fatalf("SaveQuotaStatus: %v", err)
	}

	out, err := s.GetQuotaStatus("leo")
	if err != nil {
		t.Fatalf("GetQuotaStatus: %v", err)
	}
	if out.AvailableMB != 60000 || out.Health != HealthHealthy {
		t.Errorf("got available=%d health=%s", out.AvailableMB, out.Health)
	}

	// Upsert replaces the snapshot.
	in.UsedMB = 99500
	in.AvailableMB = 500
	in.Health = HealthCritical
	if err := s.SaveQuotaStatus(in); err != nil {
		t.Fatalf("SaveQuotaStatus upsert: %v", err)
	}
	out, _ = s.GetQuotaStatus("leo")
	if out.Health != HealthCritical {
		t.Errorf("health = %s after upsert, want critical", out.Health)
	}
}
