package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	original, err := NewMessage(TypeBackupRequest, &BackupRequest{
		Categories: []string{"files", "email"},
		Priority:   2,
		Deadline:   time.Now().UTC().Truncate(time.Second).Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if original.ID == "" {
		t.Error("message id not assigned")
	}
	if original.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != original.ID || decoded.Type != original.Type {
		t.Errorf("envelope changed: %+v", decoded)
	}

	payload, err := DecodePayload(decoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	req, ok := payload.(*BackupRequest)
	if !ok {
		t.Fatalf("payload type = %T", payload)
	}
	if len(req.Categories) != 2 || req.Priority != 2 {
		t.Errorf("payload changed: %+v", req)
	}
}

func TestDecodePayload_AllTypes(t *testing.T) {
	payloads := map[MessageType]any{
		TypeBackupRequest:       &BackupRequest{},
		TypeStatusUpdate:        &StatusUpdate{ReadinessState: "blocked"},
		TypeEscalationNotice:    &EscalationNotice{Kind: "deadline_breach"},
		TypeConfigurationUpdate: &ConfigurationUpdate{MaxDelays: 3},
		TypeShutdownRequest:     &ShutdownRequest{},
		TypeAgentStarted:        &AgentStarted{UserID: "alice"},
		TypeBackupStarted:       &BackupStarted{OperationID: "op"},
		TypeBackupProgress:      &BackupProgress{PercentDone: 50},
		TypeBackupCompleted:     &BackupCompleted{OperationID: "op"},
		TypeDelayRequest:        &DelayRequest{RequestedDelaySeconds: 3600},
		TypeUserAction:          &UserAction{Action: "snooze"},
		TypeErrorReport:         &ErrorReport{Code: "copy_failed"},
		TypeHeartbeat:           &Heartbeat{SequenceNumber: 7},
		TypeAcknowledgment:      &Acknowledgment{Success: true},
	}

	for msgType, payload := range payloads {
		msg, err := NewMessage(msgType, payload)
		if err != nil {
			t.Fatalf("NewMessage(%s): %v", msgType, err)
		}
		decoded, err := DecodePayload(msg)
		if err != nil {
			t.Errorf("DecodePayload(%s): %v", msgType, err)
			continue
		}
		if decoded == nil {
			t.Errorf("DecodePayload(%s) = nil", msgType)
		}
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	msg := &Message{ID: "x", Type: "bogus_type", Timestamp: time.Now()}
	_, err := DecodePayload(msg)
	var unknown *ErrUnknownType
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *ErrUnknownType", err)
	}
	if unknown.Type != "bogus_type" {
		t.Errorf("unknown.Type = %s", unknown.Type)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	if _, err := Unmarshal([]byte("{not json")); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := Unmarshal([]byte(`{"id":"x"}`)); err == nil {
		t.Error("message without type accepted")
	}
}

func TestUnmarshal_SizeLimit(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxMessageSize+1)
	if _, err := Unmarshal(big); err == nil {
		t.Error("oversized frame accepted")
	}
}

func TestAck(t *testing.T) {
	original, _ := NewMessage(TypeBackupStarted, &BackupStarted{})
	ack := Ack(original, false, "backup_started rejected")

	payload, err := DecodePayload(ack)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	a := payload.(*Acknowledgment)
	if a.OriginalMessageID != original.ID {
		t.Errorf("OriginalMessageID = %s, want %s", a.OriginalMessageID, original.ID)
	}
	if a.Success || a.Error == "" {
		t.Errorf("ack = %+v, want failure with error text", a)
	}
}
