package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/models"
	"github.com/MegaGrindStone/pagechat/internal/relay"
	"github.com/tmaxmax/go-sse"
)

// LLM represents the streaming chat completion client. SendStream calls onChunk for every text delta
// in arrival order, then exactly one of onComplete and onError.
type LLM interface {
	Configured() bool
	SendStream(
		ctx context.Context,
		history []models.HistoryEntry,
		onChunk func(string),
		onComplete func(),
		onError func(error),
	)
}

// PageContentProvider returns the content of the active page, or nil when none is available.
type PageContentProvider interface {
	CurrentPageContent(ctx context.Context) *models.PageContent
}

// CredentialManager sets and clears the credential of the completion client.
type CredentialManager interface {
	SetAPIKey(ctx context.Context, key string) error
	ClearAPIKey(ctx context.Context) error
}

// PageHost opens pages as tabs of the messaging hub.
type PageHost interface {
	Open(ctx context.Context, url string) (relay.Tab, error)
}

// TabActivator switches the active tab.
type TabActivator interface {
	Activate(tabID int) error
}

// Main handles the HTTP surface of the panel: it accepts messages, streams conversation events
// through server-sent events, and manages the credential and the open tabs.
type Main struct {
	sseSrv *sse.Server

	conv        *Conversation
	credentials CredentialManager
	pages       PageHost
	tabs        TabActivator

	logger *slog.Logger
}

// Config holds the collaborators of Main.
type Config struct {
	LLM         LLM
	Credentials CredentialManager
	Content     PageContentProvider
	Pages       PageHost
	Tabs        TabActivator
	// MaxContentLength bounds the page content substituted for the page marker.
	MaxContentLength int
}

const (
	messagesSSETopic = "messages"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance and the Conversation it serves. The SSE server subscribes every
// client to the conversation events.
func NewMain(cfg Config, logger *slog.Logger) *Main {
	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(http.ResponseWriter, *http.Request) ([]string, bool) {
				return []string{sse.DefaultTopic, messagesSSETopic}, true
			},
		},
		credentials: cfg.Credentials,
		pages:       cfg.Pages,
		tabs:        cfg.Tabs,
		logger:      logger.With(slog.String("module", "main")),
	}
	m.conv = NewConversation(cfg.LLM, cfg.Content, m, cfg.MaxContentLength, logger)
	return m
}

// Conversation returns the conversation served by m.
func (m *Main) Conversation() *Conversation {
	return m.conv
}

// Notify publishes a conversation event to the connected clients. Stream and message events carry the
// markdown rendering of their text in the "html" field.
func (m *Main) Notify(ev models.Event) {
	payload := struct {
		models.Event
		HTML string `json:"html,omitempty"`
	}{Event: ev}

	text := ev.Text
	if ev.Message != nil {
		text = ev.Message.Content
	}
	if text != "" {
		html, err := models.RenderMarkdown(text)
		if err != nil {
			m.logger.Warn("Failed to render markdown", slog.String(errLoggerKey, err.Error()))
		}
		payload.HTML = html
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("Failed to marshal event", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: sse.Type(string(ev.Type))}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, messagesSSETopic); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", string(ev.Type)),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the server-sent events stream.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown waits for in-flight sends, then gracefully terminates the SSE server. It broadcasts a close
// message to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.conv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// Events without data are dropped by clients.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e, messagesSSETopic)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
