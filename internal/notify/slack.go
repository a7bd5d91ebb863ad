package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/resetready/migrationd/internal/config"
	"github.com/resetready/migrationd/internal/logging"
	"github.com/resetready/migrationd/internal/store"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled && n.config.WebhookURL != ""
}

// EscalationRaised sends an IT escalation notification.
func (n *Notifier) EscalationRaised(userID string, trigger store.EscalationTrigger, reason string, immediate bool) error {
	color := "warning"
	title := "Migration escalation"
	if immediate {
		color = "danger"
		title = "Migration escalation (immediate action required)"
	}
	return n.send(SlackMessage{
		Attachments: []SlackAttachment{{
			Color: color,
			Title: title,
			Fields: []SlackField{
				{Title: "User", Value: userID, Short: true},
				{Title: "Trigger", Value: string(trigger), Short: true},
				{Title: "Reason", Value: reason},
			},
			Footer:    "migrationd",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// QuotaCritical sends a cloud-storage health alert.
func (n *Notifier) QuotaCritical(userID string, status *store.QuotaStatus) error {
	return n.send(SlackMessage{
		Attachments: []SlackAttachment{{
			Color: "danger",
			Title: "Cloud storage cannot hold backup",
			Fields: []SlackField{
				{Title: "User", Value: userID, Short: true},
				{Title: "Health", Value: string(status.Health), Short: true},
				{Title: "Required", Value: fmt.Sprintf("%d MB", status.RequiredMB), Short: true},
				{Title: "Available", Value: fmt.Sprintf("%d MB", status.AvailableMB), Short: true},
				{Title: "Issues", Value: strings.Join(status.Issues, "; ")},
			},
			Footer:    "migrationd",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// UserReady announces one user finishing migration.
func (n *Notifier) UserReady(userID string) error {
	return n.send(SlackMessage{
		Attachments: []SlackAttachment{{
			Color:     "good",
			Title:     "User ready for reset",
			Text:      fmt.Sprintf("User %s completed backup and sync.", userID),
			Footer:    "migrationd",
			Timestamp: time.Now().Unix(),
		}},
	})
}

// MachineReady announces machine-wide readiness.
func (n *Notifier) MachineReady(readiness *store.Readiness) error {
	return n.send(SlackMessage{
		Attachments: []SlackAttachment{{
			Color: "good",
			Title: "Machine ready for reset",
			Text: fmt.Sprintf("All %d active users finished (%d completed, %d total profiles).",
				readiness.ActiveUsers, readiness.CompletedUsers, readiness.TotalUsers),
			Footer:    "migrationd",
			Timestamp: time.Now().Unix(),
		}},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	if !n.IsEnabled() {
		return nil
	}

	msg.Channel = n.config.Channel
	msg.Username = n.config.Username
	if msg.Username == "" {
		msg.Username = "migrationd"
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		// Notifications are best effort; the workflow never blocks on them.
		logging.Warn("Slack notification failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logging.Warn("Slack notification rejected: status=%d", resp.StatusCode)
	}
	return nil
}
