package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/protocol"
	"github.com/resetready/migrationd/internal/quota"
	"github.com/resetready/migrationd/internal/scan"
	"github.com/resetready/migrationd/internal/store"
)

type sentMessage struct {
	connID string
	msg    *protocol.Message
}

// fakeSender records outbound traffic instead of writing to a socket.
type fakeSender struct {
	mu         sync.Mutex
	sent       []sentMessage
	broadcasts []*protocol.Message
}

func (f *fakeSender) Send(connID string, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{connID: connID, msg: msg})
	return nil
}

func (f *fakeSender) Broadcast(msg *protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeSender) sentTo(connID string) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []*protocol.Message
	for _, s := range f.sent {
		if s.connID == connID {
			msgs = append(msgs, s.msg)
		}
	}
	return msgs
}

type fakeUsage struct {
	totalMB, usedMB int64
}

func (f *fakeUsage) Usage(ctx context.Context, userID string) (int64, int64, error) {
	return f.totalMB, f.usedMB, nil
}

type fakeScanner struct {
	profiles []*store.UserProfile
}

func (f *fakeScanner) Scan(ctx context.Context) ([]*store.UserProfile, error) {
	return f.profiles, nil
}

type fakeSync struct {
	upToDate bool
}

func (f *fakeSync) UpToDate(ctx context.Context, userID string) (bool, error) {
	return f.upToDate, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Policy.BackupCategories = []string{"files", "email"}
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, usage quota.UsageReader,
	syncCheck SyncChecker, scanner *fakeScanner) (*Orchestrator, *store.Store, *fakeSender) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{}
	var sc scan.Scanner
	if scanner != nil {
		sc = scanner
	}
	o := New(cfg, st, sender, quota.NewGate(cfg.Quota), usage, syncCheck, sc, nil)
	return o, st, sender
}

func seedWaitingUser(t *testing.T, st *store.Store, userID string, deadline time.Time) {
	t.Helper()
	if err := st.UpsertProfile(&store.UserProfile{
		UserID:           userID,
		ProfileSizeBytes: 150 * 1024 * 1024,
		IsActive:         true,
		RequiresBackup:   true,
		Status:           "present",
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := st.CreateMigrationState(userID); err != nil {
		t.Fatalf("CreateMigrationState: %v", err)
	}
	for _, to := range []store.StateType{store.StateInitializing, store.StateWaitingForUser} {
		if err := st.TransitionState(userID, to, "test", "test"); err != nil {
			t.Fatalf("TransitionState(%s): %v", to, err)
		}
	}
	if err := st.SetDeadline(userID, deadline); err != nil {
		t.Fatalf("SetDeadline: %v", err)
	}
}

func decodeAs[T any](t *testing.T, msg *protocol.Message, wantType protocol.MessageType) *T {
	t.Helper()
	if msg == nil {
		t.Fatal("expected a reply message, got nil")
	}
	if msg.Type != wantType {
		t.Fatalf("reply type = %s, want %s", msg.Type, wantType)
	}
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	typed, ok := payload.(*T)
	if !ok {
		t.Fatalf("payload type = %T", payload)
	}
	return typed
}

func TestDelayRequest_ApprovedExtendsDeadline(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)

	deadline := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	seedWaitingUser(t, st, "alice", deadline)

	reply, err := o.handleDelayRequest(context.Background(), "c1", &protocol.DelayRequest{
		UserID:                "alice",
		Reason:                "finishing a project",
		RequestedDelaySeconds: int64(10 * time.Hour / time.Second),
	})
	if err != nil {
		t.Fatalf("handleDelayRequest: %v", err)
	}

	req := decodeAs[protocol.BackupRequest](t, reply, protocol.TypeBackupRequest)
	want := deadline.Add(10 * time.Hour)
	if !req.Deadline.Equal(want) {
		t.Errorf("reply deadline = %s, want %s", req.Deadline, want)
	}

	state, err := st.GetMigrationState("alice")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if state.DelayCount != 1 {
		t.Errorf("delay_count = %d, want 1", state.DelayCount)
	}
	if state.Deadline == nil || !state.Deadline.Equal(want) {
		t.Errorf("stored deadline = %v, want %s", state.Deadline, want)
	}
}

func TestDelayRequest_OversizedClampedNotRejected(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)

	deadline := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	seedWaitingUser(t, st, "bob", deadline)

	reply, err := o.handleDelayRequest(context.Background(), "c1", &protocol.DelayRequest{
		UserID:                "bob",
		RequestedDelaySeconds: int64(200 * time.Hour / time.Second),
	})
	if err != nil {
		t.Fatalf("handleDelayRequest: %v", err)
	}

	req := decodeAs[protocol.BackupRequest](t, reply, protocol.TypeBackupRequest)
	want := deadline.Add(cfg.MaxDelay())
	if !req.Deadline.Equal(want) {
		t.Errorf("deadline = %s, want clamp to %s", req.Deadline, want)
	}

	delays, err := st.ListDelayRequests("bob")
	if err != nil {
		t.Fatalf("ListDelayRequests: %v", err)
	}
	if len(delays) != 1 || delays[0].Status != store.DelayApproved {
		t.Fatalf("delays = %+v, want one approved", delays)
	}
	if got := time.Duration(delays[0].GrantedSeconds) * time.Second; got != cfg.MaxDelay() {
		t.Errorf("granted = %s, want %s", got, cfg.MaxDelay())
	}
}

func TestDelayRequest_ExhaustionEscalates(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)
	seedWaitingUser(t, st, "carol", time.Now().Add(24*time.Hour))

	for i := 0; i < cfg.Policy.MaxDelays; i++ {
		if err := st.IncrementDelayCount("carol"); err != nil {
			t.Fatalf("IncrementDelayCount: %v", err)
		}
	}

	reply, err := o.handleDelayRequest(context.Background(), "c1", &protocol.DelayRequest{
		UserID:                "carol",
		RequestedDelaySeconds: 3600,
	})
	if err != nil {
		t.Fatalf("handleDelayRequest: %v", err)
	}

	notice := decodeAs[protocol.EscalationNotice](t, reply, protocol.TypeEscalationNotice)
	if notice.Kind != string(store.TriggerMaxDelaysExceeded) {
		t.Errorf("notice kind = %s", notice.Kind)
	}

	state, _ := st.GetMigrationState("carol")
	if state.State != store.StateEscalated {
		t.Errorf("state = %s, want %s", state.State, store.StateEscalated)
	}

	open, err := st.ListOpenEscalations()
	if err != nil {
		t.Fatalf("ListOpenEscalations: %v", err)
	}
	if len(open) != 1 || open[0].Trigger != store.TriggerMaxDelaysExceeded {
		t.Fatalf("open escalations = %+v", open)
	}

	delays, _ := st.ListDelayRequests("carol")
	if len(delays) != 1 || delays[0].Status != store.DelayRejected {
		t.Errorf("exhausted request not recorded as rejected: %+v", delays)
	}
}

func TestDelayRequest_PendingWhenReviewRequired(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.RequireDelayReview = true
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)

	deadline := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	seedWaitingUser(t, st, "dave", deadline)

	reply, err := o.handleDelayRequest(context.Background(), "c1", &protocol.DelayRequest{
		UserID:                "dave",
		RequestedDelaySeconds: 3600,
	})
	if err != nil {
		t.Fatalf("handleDelayRequest: %v", err)
	}
	if reply != nil {
		t.Errorf("pending request produced a reply: %s", reply.Type)
	}

	state, _ := st.GetMigrationState("dave")
	if state.DelayCount != 0 {
		t.Errorf("delay_count = %d, want 0 while pending", state.DelayCount)
	}
	if state.Deadline == nil || !state.Deadline.Equal(deadline) {
		t.Errorf("deadline moved while pending: %v", state.Deadline)
	}

	delays, _ := st.ListDelayRequests("dave")
	if len(delays) != 1 || delays[0].Status != store.DelayPending {
		t.Errorf("delays = %+v, want one pending", delays)
	}
}

func TestBackupLifecycle(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)
	seedWaitingUser(t, st, "erin", time.Now().Add(24*time.Hour))

	ctx := context.Background()
	for _, category := range cfg.Policy.BackupCategories {
		op := "op-" + category
		if _, err := o.handleBackupStarted(ctx, "c1", &protocol.BackupStarted{
			OperationID: op, UserID: "erin", Category: category, Provider: "dircopy", TotalBytes: 100,
		}); err != nil {
			t.Fatalf("handleBackupStarted(%s): %v", category, err)
		}
		if _, err := o.handleBackupProgress(ctx, "c1", &protocol.BackupProgress{
			OperationID: op, UserID: "erin", Category: category, BytesDone: 50, PercentDone: 50,
		}); err != nil {
			t.Fatalf("handleBackupProgress(%s): %v", category, err)
		}
		if _, err := o.handleBackupCompleted(ctx, "c1", &protocol.BackupCompleted{
			OperationID: op, UserID: "erin", Category: category, BytesDone: 100,
		}); err != nil {
			t.Fatalf("handleBackupCompleted(%s): %v", category, err)
		}
	}

	state, err := st.GetMigrationState("erin")
	if err != nil {
		t.Fatalf("GetMigrationState: %v", err)
	}
	if state.State != store.StateBackupCompleted {
		t.Errorf("state = %s, want %s", state.State, store.StateBackupCompleted)
	}

	// Duplicate completion delivery changes nothing.
	if _, err := o.handleBackupCompleted(ctx, "c1", &protocol.BackupCompleted{
		OperationID: "op-files", UserID: "erin", Category: "files", BytesDone: 100,
	}); err != nil {
		t.Fatalf("duplicate handleBackupCompleted: %v", err)
	}
	state, _ = st.GetMigrationState("erin")
	if state.State != store.StateBackupCompleted {
		t.Errorf("state = %s after duplicate completion", state.State)
	}
}

func TestBackupStarted_DeniedWhenQuotaExceeded(t *testing.T) {
	cfg := testConfig()
	usage := &fakeUsage{totalMB: 50000, usedMB: 50000}
	o, st, _ := newTestOrchestrator(t, cfg, usage, nil, nil)
	seedWaitingUser(t, st, "frank", time.Now().Add(24*time.Hour))

	_, err := o.handleBackupStarted(context.Background(), "c1", &protocol.BackupStarted{
		OperationID: "op-1", UserID: "frank", Category: "files",
	})
	if err == nil {
		t.Fatal("backup start allowed with exhausted quota")
	}

	state, _ := st.GetMigrationState("frank")
	if state.State != store.StateEscalated {
		t.Errorf("state = %s, want %s", state.State, store.StateEscalated)
	}
	open, _ := st.ListOpenEscalations()
	if len(open) != 1 || open[0].Trigger != store.TriggerQuotaExceeded {
		t.Fatalf("open escalations = %+v", open)
	}
	if !open[0].RequiresImmediateAction {
		t.Error("quota exhaustion should require immediate action")
	}

	q, err := st.GetQuotaStatus("frank")
	if err != nil {
		t.Fatalf("GetQuotaStatus: %v", err)
	}
	if q.Health != store.HealthExceeded {
		t.Errorf("health = %s, want %s", q.Health, store.HealthExceeded)
	}
}

func TestSweep_SchedulesActiveProfiles(t *testing.T) {
	cfg := testConfig()
	scanner := &fakeScanner{profiles: []*store.UserProfile{{
		UserID:           "grace",
		ProfilePath:      "/home/grace",
		ProfileSizeBytes: 150 * 1024 * 1024,
		IsActive:         true,
		RequiresBackup:   true,
		Status:           "present",
	}}}
	o, st, sender := newTestOrchestrator(t, cfg, nil, nil, scanner)

	ctx := context.Background()
	before := time.Now()
	o.Sweep(ctx)

	state, err := st.GetMigrationState("grace")
	if err != nil {
		t.Fatalf("GetMigrationState after first sweep: %v", err)
	}
	if state.State != store.StateInitializing {
		t.Errorf("state = %s after first sweep, want %s", state.State, store.StateInitializing)
	}

	o.Sweep(ctx)
	state, _ = st.GetMigrationState("grace")
	if state.State != store.StateWaitingForUser {
		t.Errorf("state = %s after second sweep, want %s", state.State, store.StateWaitingForUser)
	}
	if state.Deadline == nil {
		t.Fatal("deadline not set")
	}
	wantMin := before.Add(cfg.DefaultWindow())
	if state.Deadline.Before(wantMin.Add(-time.Minute)) {
		t.Errorf("deadline = %s, want about %s after sweep", state.Deadline, cfg.DefaultWindow())
	}

	sender.mu.Lock()
	broadcasts := len(sender.broadcasts)
	sender.mu.Unlock()
	if broadcasts == 0 {
		t.Error("initial readiness never broadcast")
	}
}

func TestSweep_DeadlineBreachEscalates(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)
	seedWaitingUser(t, st, "heidi", time.Now().Add(-time.Hour))

	o.Sweep(context.Background())

	state, _ := st.GetMigrationState("heidi")
	if state.State != store.StateEscalated {
		t.Errorf("state = %s, want %s", state.State, store.StateEscalated)
	}
	open, _ := st.ListOpenEscalations()
	if len(open) != 1 || open[0].Trigger != store.TriggerDeadlineBreach {
		t.Fatalf("open escalations = %+v", open)
	}
}

func TestSweep_SyncCompletionReadiesUser(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, &fakeSync{upToDate: true}, nil)
	seedWaitingUser(t, st, "ivan", time.Now().Add(24*time.Hour))
	for _, to := range []store.StateType{store.StateBackupInProgress, store.StateBackupCompleted, store.StateSyncInProgress} {
		if err := st.TransitionState("ivan", to, "test", "test"); err != nil {
			t.Fatalf("TransitionState(%s): %v", to, err)
		}
	}

	o.Sweep(context.Background())

	state, _ := st.GetMigrationState("ivan")
	if state.State != store.StateReadyForReset {
		t.Errorf("state = %s, want %s", state.State, store.StateReadyForReset)
	}

	r, err := st.GetMigrationReadiness()
	if err != nil {
		t.Fatalf("GetMigrationReadiness: %v", err)
	}
	if !r.CanReset {
		t.Errorf("CanReset = false, blocking = %v", r.BlockingUsers)
	}
}

func TestAgentStarted_ReplayAndIsolation(t *testing.T) {
	cfg := testConfig()
	o, st, sender := newTestOrchestrator(t, cfg, nil, nil, nil)

	deadline := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	seedWaitingUser(t, st, "judy", deadline)
	seedWaitingUser(t, st, "kate", deadline.Add(time.Hour))

	ctx := context.Background()
	reply, err := o.handleAgentStarted(ctx, "conn-judy", &protocol.AgentStarted{
		UserID: "judy", SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("handleAgentStarted: %v", err)
	}
	req := decodeAs[protocol.BackupRequest](t, reply, protocol.TypeBackupRequest)
	if !req.Deadline.Equal(deadline) {
		t.Errorf("replayed deadline = %s, want %s", req.Deadline, deadline)
	}

	if _, err := o.handleAgentStarted(ctx, "conn-kate", &protocol.AgentStarted{
		UserID: "kate", SessionID: "s2",
	}); err != nil {
		t.Fatalf("handleAgentStarted: %v", err)
	}

	// Directed sends reach only the owning connection.
	o.issueBackupRequest("judy", 0)
	if got := sender.sentTo("conn-kate"); len(got) != 0 {
		t.Errorf("kate received %d messages meant for judy", len(got))
	}
	judyMsgs := sender.sentTo("conn-judy")
	if len(judyMsgs) != 1 || judyMsgs[0].Type != protocol.TypeBackupRequest {
		t.Errorf("judy messages = %d", len(judyMsgs))
	}

	// A disconnected agent silently misses directed sends.
	o.ConnectionClosed("conn-judy")
	o.issueBackupRequest("judy", 0)
	if got := sender.sentTo("conn-judy"); len(got) != 1 {
		t.Errorf("messages sent after disconnect: %d", len(got))
	}
}

func TestAgentStarted_UnscheduledUserGetsStatus(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)
	if err := st.UpsertProfile(&store.UserProfile{UserID: "leo", Status: "present"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	reply, err := o.handleAgentStarted(context.Background(), "c1", &protocol.AgentStarted{
		UserID: "leo", SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("handleAgentStarted: %v", err)
	}
	decodeAs[protocol.StatusUpdate](t, reply, protocol.TypeStatusUpdate)
}

func TestErrorReport_RepeatedFailureEscalates(t *testing.T) {
	cfg := testConfig()
	o, st, _ := newTestOrchestrator(t, cfg, nil, nil, nil)
	seedWaitingUser(t, st, "mallory", time.Now().Add(24*time.Hour))

	ctx := context.Background()
	start := &protocol.BackupStarted{OperationID: "op-1", UserID: "mallory", Category: "files"}
	fail := &protocol.ErrorReport{
		UserID: "mallory", OperationID: "op-1", Category: "files",
		Code: "copy_failed", Message: "disk error",
	}

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := o.handleBackupStarted(ctx, "c1", start); err != nil {
			t.Fatalf("handleBackupStarted attempt %d: %v", attempt, err)
		}
		if _, err := o.handleErrorReport(ctx, "c1", fail); err != nil {
			t.Fatalf("handleErrorReport attempt %d: %v", attempt, err)
		}
	}

	open, _ := st.ListOpenEscalations()
	if len(open) != 1 || open[0].Trigger != store.TriggerBackupFailure {
		t.Fatalf("open escalations = %+v, want one backup_failure", open)
	}
}
