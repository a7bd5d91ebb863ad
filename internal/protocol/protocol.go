// Package protocol defines the message envelope and payload catalogue shared
// by the service and agent ends of the channel. Payloads are an enum-tagged
// union: the envelope carries a type string and raw JSON, and DecodePayload
// resolves the concrete type through an explicit decoder table.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxMessageSize bounds a single framed message. Frames above this are
// rejected to avoid unbounded memory growth from a malformed peer.
const MaxMessageSize = 1 << 20 // 1 MiB

// MessageType identifies the payload carried by a message.
type MessageType string

// Service -> Agent
const (
	TypeBackupRequest       MessageType = "backup_request"
	TypeStatusUpdate        MessageType = "status_update"
	TypeEscalationNotice    MessageType = "escalation_notice"
	TypeConfigurationUpdate MessageType = "configuration_update"
	TypeShutdownRequest     MessageType = "shutdown_request"
)

// Agent -> Service
const (
	TypeAgentStarted    MessageType = "agent_started"
	TypeBackupStarted   MessageType = "backup_started"
	TypeBackupProgress  MessageType = "backup_progress"
	TypeBackupCompleted MessageType = "backup_completed"
	TypeDelayRequest    MessageType = "delay_request"
	TypeUserAction      MessageType = "user_action"
	TypeErrorReport     MessageType = "error_report"
)

// Bidirectional
const (
	TypeHeartbeat      MessageType = "heartbeat"
	TypeAcknowledgment MessageType = "acknowledgment"
)

// Message is the wire envelope. One message per frame, UTF-8 JSON.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// BackupRequest asks an agent to back up the given categories before deadline.
type BackupRequest struct {
	Categories []string  `json:"categories"`
	Priority   int       `json:"priority"`
	Deadline   time.Time `json:"deadline"`
}

// StatusUpdate carries the machine-wide readiness aggregate.
type StatusUpdate struct {
	ReadinessState string   `json:"readinessState"`
	BlockingUsers  []string `json:"blockingUsers"`
	CompletedUsers int      `json:"completedUsers"`
	TotalUsers     int      `json:"totalUsers"`
}

// EscalationNotice informs an agent that an IT escalation was raised for it.
type EscalationNotice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Ticket  string `json:"ticket,omitempty"`
}

// ConfigurationUpdate pushes updated policy values to agents.
type ConfigurationUpdate struct {
	SweepIntervalSecs int `json:"sweepIntervalSecs,omitempty"`
	MaxDelays         int `json:"maxDelays,omitempty"`
	MaxDelayHours     int `json:"maxDelayHours,omitempty"`
}

// ShutdownRequest tells agents the service is going down.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AgentStarted announces a per-user agent session.
type AgentStarted struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// BackupStarted reports the beginning of one category backup attempt.
type BackupStarted struct {
	OperationID string `json:"operationId"`
	UserID      string `json:"userId"`
	Category    string `json:"category"`
	Provider    string `json:"provider"`
	TotalBytes  int64  `json:"totalBytes"`
	TotalItems  int64  `json:"totalItems"`
}

// BackupProgress reports incremental progress for one attempt.
type BackupProgress struct {
	OperationID    string `json:"operationId"`
	UserID         string `json:"userId"`
	Category       string `json:"category"`
	BytesDone      int64  `json:"bytesDone"`
	ItemsDone      int64  `json:"itemsDone"`
	PercentDone    int    `json:"percentDone"`
}

// BackupCompleted reports terminal success for one attempt.
type BackupCompleted struct {
	OperationID  string `json:"operationId"`
	UserID       string `json:"userId"`
	Category     string `json:"category"`
	BytesDone    int64  `json:"bytesDone"`
	ItemsDone    int64  `json:"itemsDone"`
	ManifestPath string `json:"manifestPath,omitempty"`
}

// DelayRequest asks for a deadline extension.
type DelayRequest struct {
	UserID                string `json:"userId"`
	Reason                string `json:"reason"`
	RequestedDelaySeconds int64  `json:"requestedDelaySeconds"`
}

// UserAction records a user-visible interaction (snooze, dismiss, open UI).
type UserAction struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// ErrorReport carries an agent-side failure that is not tied to one backup.
type ErrorReport struct {
	UserID      string `json:"userId"`
	OperationID string `json:"operationId,omitempty"`
	Category    string `json:"category,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// Heartbeat is a liveness probe in either direction.
type Heartbeat struct {
	SenderID       string `json:"senderId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// Acknowledgment is the generic success/failure reply.
type Acknowledgment struct {
	OriginalMessageID string `json:"originalMessageId"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
}

// ErrUnknownType is returned by DecodePayload for types not in the catalogue.
type ErrUnknownType struct {
	Type MessageType
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// payloadDecoders is the explicit type -> decoder table. Adding a message
// type means adding a row here; there is no reflection-based scanning.
var payloadDecoders = map[MessageType]func([]byte) (any, error){
	TypeBackupRequest:       decodeInto[BackupRequest],
	TypeStatusUpdate:        decodeInto[StatusUpdate],
	TypeEscalationNotice:    decodeInto[EscalationNotice],
	TypeConfigurationUpdate: decodeInto[ConfigurationUpdate],
	TypeShutdownRequest:     decodeInto[ShutdownRequest],
	TypeAgentStarted:        decodeInto[AgentStarted],
	TypeBackupStarted:       decodeInto[BackupStarted],
	TypeBackupProgress:      decodeInto[BackupProgress],
	TypeBackupCompleted:     decodeInto[BackupCompleted],
	TypeDelayRequest:        decodeInto[DelayRequest],
	TypeUserAction:          decodeInto[UserAction],
	TypeErrorReport:         decodeInto[ErrorReport],
	TypeHeartbeat:           decodeInto[Heartbeat],
	TypeAcknowledgment:      decodeInto[Acknowledgment],
}

func decodeInto[T any](data []byte) (any, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

// NewMessage builds an envelope around a payload, assigning id and timestamp.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Ack builds an Acknowledgment reply to the given message.
func Ack(original *Message, success bool, errText string) *Message {
	msg, _ := NewMessage(TypeAcknowledgment, &Acknowledgment{
		OriginalMessageID: original.ID,
		Success:           success,
		Error:             errText,
	})
	return msg
}

// DecodePayload resolves the typed payload for a message. An unknown type
// yields *ErrUnknownType; a malformed payload yields a wrapped decode error.
// Both are per-message errors, never connection-fatal.
func DecodePayload(msg *Message) (any, error) {
	decode, ok := payloadDecoders[msg.Type]
	if !ok {
		return nil, &ErrUnknownType{Type: msg.Type}
	}
	v, err := decode(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", msg.Type, err)
	}
	return v, nil
}

// Marshal serializes a message for the wire.
func Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("encoding message: frame size %d exceeds limit %d", len(data), MaxMessageSize)
	}
	return data, nil
}

// Unmarshal parses a message from the wire.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("decoding message: frame size %d exceeds limit %d", len(data), MaxMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("decoding message: missing type")
	}
	return &msg, nil
}
