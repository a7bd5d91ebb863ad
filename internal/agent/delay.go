package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/resetready/migrationd/internal/channel"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/protocol"
)

const delayReplyTimeout = 10 * time.Second

// RequestDelay performs a one-shot delay request: connect, announce the
// session, send the request, and interpret the first relevant reply. The
// returned string is a human-readable outcome for the CLI.
func RequestDelay(ctx context.Context, socketPath, userID, reason string, d time.Duration) (string, error) {
	replies := make(chan *protocol.Message, 8)
	client := channel.NewClient(socketPath, func(msg *protocol.Message) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			logging.Debug("Channel closed: %v", err)
		}
	}()

	hello, err := protocol.NewMessage(protocol.TypeAgentStarted, &protocol.AgentStarted{
		UserID:    userID,
		SessionID: uuid.New().String(),
	})
	if err != nil {
		return "", err
	}
	if err := client.Send(hello); err != nil {
		return "", fmt.Errorf("announcing session: %w", err)
	}

	req, err := protocol.NewMessage(protocol.TypeDelayRequest, &protocol.DelayRequest{
		UserID:                userID,
		Reason:                reason,
		RequestedDelaySeconds: int64(d / time.Second),
	})
	if err != nil {
		return "", err
	}
	if err := client.Send(req); err != nil {
		return "", fmt.Errorf("sending delay request: %w", err)
	}

	deadline := time.After(delayReplyTimeout)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "Delay request submitted; it is pending review.", nil
		case msg := <-replies:
			outcome, done := interpretDelayReply(msg)
			if done {
				return outcome, nil
			}
		}
	}
}

// interpretDelayReply classifies a service message as a delay outcome.
// Approval comes back as a re-issued backup request carrying the extended
// deadline; exhaustion comes back as an escalation notice.
func interpretDelayReply(msg *protocol.Message) (string, bool) {
	payload, err := protocol.DecodePayload(msg)
	if err != nil {
		return "", false
	}
	switch p := payload.(type) {
	case *protocol.BackupRequest:
		return fmt.Sprintf("Delay approved. New deadline: %s",
			p.Deadline.Local().Format("2006-01-02 15:04")), true
	case *protocol.EscalationNotice:
		return fmt.Sprintf("Delay not granted: %s", p.Message), true
	case *protocol.Acknowledgment:
		if !p.Success {
			return fmt.Sprintf("Delay request rejected: %s", p.Error), true
		}
		return "", false
	default:
		return "", false
	}
}
