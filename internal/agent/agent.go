// Package agent implements the per-user session side of the channel. The
// agent connects to the service endpoint, announces its user, executes backup
// requests through the provider boundary, and reports progress as it goes.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/resetready/migrationd/internal/backup"
	"github.com/resetready/migrationd/internal/channel"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
)

const (
	heartbeatInterval = 60 * time.Second
	reconnectMin      = 2 * time.Second
	reconnectMax      = 60 * time.Second
	stableSessionAge  = 5 * time.Minute
	progressThrottle  = time.Second
)

// categorySources maps backup categories to profile-relative source
// directories. A category whose directory does not exist completes
// immediately with nothing to copy.
var categorySources = map[string][]string{
	backup.CategoryFiles:    {"Documents", "Desktop", "Pictures"},
	backup.CategoryBrowsers: {".mozilla", ".config/chromium", ".config/google-chrome"},
	backup.CategoryEmail:    {".thunderbird", ".local/share/evolution"},
	backup.CategorySystem:   {".config", ".ssh"},
}

// Agent is one user's session against the service.
type Agent struct {
	userID     string
	sessionID  string
	homeDir    string
	stagingDir string

	client *channel.Client

	mu           sync.Mutex
	backupActive bool
	operationIDs map[string]string // category -> stable operation id
	seq          int64
}

// New creates an agent for the given user. Backups stage under stagingDir.
func New(userID, homeDir, stagingDir string) *Agent {
	return &Agent{
		userID:       userID,
		sessionID:    uuid.New().String(),
		homeDir:      homeDir,
		stagingDir:   stagingDir,
		operationIDs: make(map[string]string),
	}
}

// Run connects to the service and processes messages until ctx is cancelled.
// Connection drops reconnect with capped exponential backoff; the service
// replays any pending backup request on reconnect.
func (a *Agent) Run(ctx context.Context, socketPath string) error {
	var backoff time.Duration
	for {
		started := time.Now()
		err := a.session(ctx, socketPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, time.Since(started))
		logging.Warn("Session ended: %v; reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// nextBackoff doubles the previous reconnect delay up to the cap. A session
// that stayed up past stableSessionAge starts the ladder over, so one drop
// after hours of connection does not wait the escalated interval.
func nextBackoff(previous, sessionAge time.Duration) time.Duration {
	if previous == 0 || sessionAge >= stableSessionAge {
		return reconnectMin
	}
	next := previous * 2
	if next > reconnectMax {
		next = reconnectMax
	}
	return next
}

// session runs one connection lifetime.
func (a *Agent) session(ctx context.Context, socketPath string) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := channel.NewClient(socketPath, func(msg *protocol.Message) {
		a.handleMessage(sessionCtx, msg)
	})
	if err := client.Connect(sessionCtx); err != nil {
		return err
	}
	a.client = client
	defer client.Close()

	hello, err := protocol.NewMessage(protocol.TypeAgentStarted, &protocol.AgentStarted{
		UserID:    a.userID,
		SessionID: a.sessionID,
	})
	if err != nil {
		return err
	}
	if err := client.Send(hello); err != nil {
		return fmt.Errorf("announcing session: %w", err)
	}
	logging.Info("Connected to service: user=%s session=%s", a.userID, a.sessionID)

	go a.heartbeatLoop(sessionCtx)
	return client.Run(sessionCtx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			a.seq++
			seq := a.seq
			a.mu.Unlock()
			msg, err := protocol.NewMessage(protocol.TypeHeartbeat, &protocol.Heartbeat{
				SenderID:       a.sessionID,
				SequenceNumber: seq,
			})
			if err != nil {
				continue
			}
			if err := a.client.Send(msg); err != nil {
				logging.Debug("Heartbeat send failed: %v", err)
			}
		}
	}
}

// handleMessage dispatches one service message. Unknown types are logged and
// dropped, matching the tolerant-reader stance on the service side.
func (a *Agent) handleMessage(ctx context.Context, msg *protocol.Message) {
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		logging.Warn("Dropping message %s: %v", msg.Type, err)
		return
	}

	switch p := payload.(type) {
	case *protocol.BackupRequest:
		a.startBackup(ctx, p)
	case *protocol.StatusUpdate:
		logging.Info("Machine status: %s (%d/%d users complete)",
			p.ReadinessState, p.CompletedUsers, p.TotalUsers)
	case *protocol.EscalationNotice:
		logging.Warn("Escalation notice: %s: %s", p.Kind, p.Message)
	case *protocol.ConfigurationUpdate:
		logging.Info("Policy update received")
	case *protocol.ShutdownRequest:
		logging.Info("Service shutting down: %s", p.Reason)
	case *protocol.Heartbeat:
		// Service-side liveness probe; no reply needed.
	case *protocol.Acknowledgment:
		if !p.Success {
			logging.Warn("Service rejected message %s: %s", p.OriginalMessageID, p.Error)
		}
	default:
		logging.Debug("Ignoring message type %s", msg.Type)
	}
}

// startBackup launches the request in the background. A request arriving
// while one is already running is ignored; the service replays requests, so
// a dropped duplicate costs nothing.
func (a *Agent) startBackup(ctx context.Context, req *protocol.BackupRequest) {
	a.mu.Lock()
	if a.backupActive {
		a.mu.Unlock()
		logging.Debug("Backup already running; ignoring duplicate request")
		return
	}
	a.backupActive = true
	a.mu.Unlock()

	logging.Info("Backup requested: categories=%v deadline=%s",
		req.Categories, req.Deadline.Local().Format(time.RFC3339))

	go func() {
		defer func() {
			a.mu.Lock()
			a.backupActive = false
			a.mu.Unlock()
		}()
		for _, category := range req.Categories {
			if ctx.Err() != nil {
				return
			}
			if err := a.runCategory(ctx, category); err != nil {
				logging.Error("Backup of %s failed: %v", category, err)
			}
		}
	}()
}

// operationID returns the stable operation id for a category, so that
// retries share an id and the service can count attempts.
func (a *Agent) operationID(category string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.operationIDs[category]
	if !ok {
		id = uuid.New().String()
		a.operationIDs[category] = id
	}
	return id
}

// runCategory executes one category's providers and reports the lifecycle to
// the service.
func (a *Agent) runCategory(ctx context.Context, category string) error {
	opID := a.operationID(category)
	providers := a.buildProviders(category)

	var total backup.Progress
	for _, p := range providers {
		est, err := p.Estimate(ctx)
		if err != nil {
			return a.reportError(opID, category, "estimate_failed", err)
		}
		total.BytesTotal += est.BytesTotal
		total.ItemsTotal += est.ItemsTotal
	}

	started, err := protocol.NewMessage(protocol.TypeBackupStarted, &protocol.BackupStarted{
		OperationID: opID,
		UserID:      a.userID,
		Category:    category,
		Provider:    "dircopy",
		TotalBytes:  total.BytesTotal,
		TotalItems:  total.ItemsTotal,
	})
	if err != nil {
		return err
	}
	if err := a.client.Send(started); err != nil {
		return fmt.Errorf("reporting backup start: %w", err)
	}

	bar := newProgressBar(category, total.BytesTotal)

	var done backup.Progress
	done.BytesTotal = total.BytesTotal
	done.ItemsTotal = total.ItemsTotal
	lastReport := time.Time{}
	var manifestPath string

	for _, p := range providers {
		base := done
		result, err := p.Run(ctx, func(pr backup.Progress) {
			done.BytesDone = base.BytesDone + pr.BytesDone
			done.ItemsDone = base.ItemsDone + pr.ItemsDone
			if bar != nil {
				_ = bar.Set64(done.BytesDone)
			}
			if time.Since(lastReport) < progressThrottle {
				return
			}
			lastReport = time.Now()
			a.sendProgress(opID, category, done)
		})
		if err != nil {
			if bar != nil {
				_ = bar.Close()
			}
			return a.reportError(opID, category, "copy_failed", err)
		}
		done.BytesDone = base.BytesDone + result.BytesDone
		done.ItemsDone = base.ItemsDone + result.ItemsDone
		manifestPath = result.ManifestPath
	}
	if bar != nil {
		_ = bar.Finish()
	}

	completed, err := protocol.NewMessage(protocol.TypeBackupCompleted, &protocol.BackupCompleted{
		OperationID:  opID,
		UserID:       a.userID,
		Category:     category,
		BytesDone:    done.BytesDone,
		ItemsDone:    done.ItemsDone,
		ManifestPath: manifestPath,
	})
	if err != nil {
		return err
	}
	if err := a.client.Send(completed); err != nil {
		return fmt.Errorf("reporting backup completion: %w", err)
	}
	logging.Info("Backup of %s complete: %d bytes, %d items", category, done.BytesDone, done.ItemsDone)
	return nil
}

// buildProviders returns one provider per existing source directory for the
// category. An empty slice means nothing to copy, which still completes.
func (a *Agent) buildProviders(category string) []backup.Provider {
	var providers []backup.Provider
	for _, rel := range categorySources[category] {
		src := filepath.Join(a.homeDir, rel)
		if info, err := os.Stat(src); err != nil || !info.IsDir() {
			continue
		}
		staging := filepath.Join(a.stagingDir, category, filepath.Base(rel))
		providers = append(providers, backup.NewDirProvider(category, src, staging))
	}
	return providers
}

func (a *Agent) sendProgress(opID, category string, p backup.Progress) {
	msg, err := protocol.NewMessage(protocol.TypeBackupProgress, &protocol.BackupProgress{
		OperationID: opID,
		UserID:      a.userID,
		Category:    category,
		BytesDone:   p.BytesDone,
		ItemsDone:   p.ItemsDone,
		PercentDone: p.Percent(),
	})
	if err != nil {
		return
	}
	if err := a.client.Send(msg); err != nil {
		logging.Debug("Progress send failed: %v", err)
	}
}

// reportError sends an ErrorReport and returns the original failure.
func (a *Agent) reportError(opID, category, code string, cause error) error {
	msg, err := protocol.NewMessage(protocol.TypeErrorReport, &protocol.ErrorReport{
		UserID:      a.userID,
		OperationID: opID,
		Category:    category,
		Code:        code,
		Message:     cause.Error(),
	})
	if err != nil {
		return cause
	}
	if err := a.client.Send(msg); err != nil {
		logging.Warn("Error report send failed: %v", err)
	}
	return cause
}

// newProgressBar returns a byte-count bar when attached to a terminal, nil
// otherwise (service-spawned agents log instead of drawing).
func newProgressBar(category string, totalBytes int64) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stdout.Fd())) || totalBytes <= 0 {
		return nil
	}
	return progressbar.DefaultBytes(totalBytes, fmt.Sprintf("backing up %s", category))
}
