package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
)

const footer = "Patrol Tasks"

// Notifier delivers occurrence outcomes to every webhook a task configures
type Notifier struct {
	discord *Discord
	slack   *Slack
}

// NewNotifier creates a notifier with the default HTTP clients
func NewNotifier() *Notifier {
	return &Notifier{discord: NewDiscord(), slack: NewSlack()}
}

// Notify sends the outcome of entry to the task's webhooks. Each webhook is
// attempted; the first error is returned.
func (n *Notifier) Notify(ctx context.Context, task *db.Task, entry analysis.Entry) error {
	var first error
	if task.DiscordWebhook != "" {
		if err := n.discord.SendOutcome(ctx, task.DiscordWebhook, task, entry); err != nil {
			first = fmt.Errorf("discord: %w", err)
		}
	}
	if task.SlackWebhook != "" {
		if err := n.slack.SendOutcome(ctx, task.SlackWebhook, task, entry); err != nil && first == nil {
			first = fmt.Errorf("slack: %w", err)
		}
	}
	return first
}

// missedList renders the unconcluded checkpoints of entry, in set order
func missedList(task *db.Task, entry analysis.Entry) string {
	set, err := task.CheckpointSet()
	if err != nil {
		return ""
	}
	misses, err := entry.Misses(set)
	if err != nil || len(misses) == 0 {
		return ""
	}
	lines := make([]string, 0, min(len(misses), 11))
	for _, m := range misses {
		if len(lines) == 10 {
			lines = append(lines, fmt.Sprintf("and %d more", len(misses)-10))
			break
		}
		line := fmt.Sprintf("#%d (%.5f, %.5f)", m.Position, m.Checkpoint.Lat, m.Checkpoint.Lng)
		if m.ClosestMeters != nil {
			line += fmt.Sprintf(", closest %.0f m", *m.ClosestMeters)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func window(entry analysis.Entry) string {
	occ := entry.Occurrence
	return fmt.Sprintf("%s %s - %s UTC", occ.Date, occ.DueStart.UTC().Format("15:04"), occ.DueEnd.UTC().Format("15:04"))
}

func postJSON(ctx context.Context, client *http.Client, webhookURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func newClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
