package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
)

// Message represents an individual entry of the conversation transcript. It contains the entry's unique
// identifier, the participant that produced it, the text content, and the time it was created. The
// transcript is append-only: once added, a Message is never modified.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Role      `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is a role-tagged message as sent to the completion endpoint.
type HistoryEntry struct {
	Role    Role
	Content string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model, including error entries.
	RoleAssistant Role = "assistant"
	// RoleSystem is only used in history sent upstream, never in the transcript.
	RoleSystem Role = "system"
)

// History maps a transcript to role-tagged entries. Every sender other than RoleUser is tagged as
// RoleAssistant.
func History(messages []Message) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(messages)+1)
	for _, msg := range messages {
		role := RoleAssistant
		if msg.Sender == RoleUser {
			role = RoleUser
		}
		entries = append(entries, HistoryEntry{
			Role:    role,
			Content: msg.Content,
		})
	}
	return entries
}

var markdown = goldmark.New(
	goldmark.WithExtensions(
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
)

// RenderMarkdown renders the markdown text produced by the model into HTML for the panel. Fenced code
// blocks are syntax highlighted with inline styles.
func RenderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("error rendering markdown: %w", err)
	}
	return buf.String(), nil
}
