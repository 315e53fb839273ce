package webhook

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
)

// Slack handles Slack webhook notifications
type Slack struct {
	client *http.Client
}

// NewSlack creates a new Slack webhook handler
func NewSlack() *Slack {
	return &Slack{client: newClient()}
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type     string         `json:"type"`
	Text     *SlackTextObj  `json:"text,omitempty"`
	Fields   []SlackTextObj `json:"fields,omitempty"`
	Elements []SlackElement `json:"elements,omitempty"`
}

// SlackTextObj represents a Slack text object
type SlackTextObj struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// SlackElement represents a Slack element (for context blocks)
type SlackElement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackAttachment represents a Slack attachment (for colored sidebar)
type SlackAttachment struct {
	Color  string       `json:"color"`
	Blocks []SlackBlock `json:"blocks"`
}

// SlackPayload represents the webhook payload
type SlackPayload struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SendOutcome sends the outcome of an occurrence to Slack
func (s *Slack) SendOutcome(ctx context.Context, webhookURL string, task *db.Task, entry analysis.Entry) error {
	var color, statusEmoji, statusText string
	switch entry.Status {
	case db.StatusCompleted:
		color = "#00FF00" // Green
		statusEmoji = ":white_check_mark:"
		statusText = "Completed"
	case db.StatusMissed:
		color = "#FF0000" // Red
		statusEmoji = ":x:"
		statusText = "Missed"
	default:
		color = "#FFFF00" // Yellow
		statusEmoji = ":hourglass:"
		statusText = "In progress"
	}

	end := entry.Occurrence.DueEnd
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObj{
				Type:  "plain_text",
				Text:  fmt.Sprintf("%s Patrol: %s", statusEmoji, task.Title),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObj{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Status:*\n%s", statusText)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Checkpoints:*\n%d/%d", entry.Concluded, entry.Total)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Samples:*\n%d", entry.SampleCount)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Window closed:*\n<!date^%d^{date_short} {time}|%s>", end.Unix(), window(entry))},
			},
		},
	}

	if missed := missedList(task, entry); missed != "" {
		blocks = append(blocks,
			SlackBlock{Type: "divider"},
			SlackBlock{
				Type: "section",
				Text: &SlackTextObj{
					Type: "mrkdwn",
					Text: fmt.Sprintf(":warning: *Missed checkpoints:*\n```%s```", missed),
				},
			},
		)
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Elements: []SlackElement{
			{Type: "mrkdwn", Text: footer},
		},
	})

	payload := SlackPayload{
		Text: fmt.Sprintf("%s: %s", task.Title, statusText),
		Attachments: []SlackAttachment{
			{
				Color:  color,
				Blocks: blocks,
			},
		},
	}

	return postJSON(ctx, s.client, webhookURL, payload)
}
