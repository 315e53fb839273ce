package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kylemclaren/patrol-tasks/internal/analysis"
	"github.com/kylemclaren/patrol-tasks/internal/db"
)

// Discord handles Discord webhook notifications
type Discord struct {
	client *http.Client
}

// NewDiscord creates a new Discord webhook handler
func NewDiscord() *Discord {
	return &Discord{client: newClient()}
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
}

// EmbedField represents a field in a Discord embed
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter represents the footer of a Discord embed
type EmbedFooter struct {
	Text string `json:"text"`
}

// DiscordPayload represents the webhook payload
type DiscordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// SendOutcome sends the outcome of an occurrence to Discord
func (d *Discord) SendOutcome(ctx context.Context, webhookURL string, task *db.Task, entry analysis.Entry) error {
	var color int
	var statusEmoji, description string
	switch entry.Status {
	case db.StatusCompleted:
		color = 0x00FF00 // Green
		statusEmoji = "✅"
		description = "Every checkpoint was visited."
	case db.StatusMissed:
		color = 0xFF0000 // Red
		statusEmoji = "❌"
		description = "The due window closed before every checkpoint was visited."
		if !entry.Executed {
			description = "No position was recorded during the due window."
		}
	default:
		color = 0xFFFF00 // Yellow
		statusEmoji = "⏳"
		description = "The patrol is in progress."
	}

	embed := DiscordEmbed{
		Title:       fmt.Sprintf("%s Patrol: %s", statusEmoji, task.Title),
		Description: description,
		Color:       color,
		Fields: []EmbedField{
			{Name: "Status", Value: string(entry.Status), Inline: true},
			{Name: "Checkpoints", Value: fmt.Sprintf("%d/%d", entry.Concluded, entry.Total), Inline: true},
			{Name: "Samples", Value: fmt.Sprintf("%d", entry.SampleCount), Inline: true},
			{Name: "Window", Value: window(entry), Inline: false},
		},
		Timestamp: entry.Occurrence.DueEnd.Format(time.RFC3339),
		Footer:    &EmbedFooter{Text: footer},
	}

	if missed := missedList(task, entry); missed != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:   "⚠️ Missed checkpoints",
			Value:  fmt.Sprintf("```\n%s\n```", missed),
			Inline: false,
		})
	}

	return postJSON(ctx, d.client, webhookURL, DiscordPayload{Embeds: []DiscordEmbed{embed}})
}
