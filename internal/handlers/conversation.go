package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/content"
	"github.com/MegaGrindStone/pagechat/internal/models"
	"github.com/google/uuid"
)

const (
	// PageMarker is replaced by the content of the active page before a message is sent.
	PageMarker = "@body"

	greeting = "Hello! I'm your AI assistant. How can I help you today?"
)

// Observer receives every state change of a Conversation, in order. Notify is called while the
// conversation is locked, so it must not call back into the conversation.
type Observer interface {
	Notify(ev models.Event)
}

// Conversation holds the transcript and drives sends. Sends may overlap: each send owns a session
// token, and only the callbacks of the most recent send are applied, the others are dropped.
type Conversation struct {
	llm       LLM
	pages     PageContentProvider
	observer  Observer
	maxLength int

	mu         sync.Mutex
	transcript []models.Message
	current    string
	streaming  string
	typing     bool

	wg sync.WaitGroup

	logger *slog.Logger
}

// NewConversation creates a Conversation seeded with the assistant greeting. maxLength bounds the
// formatted page content, see content.Format.
func NewConversation(
	llm LLM,
	pages PageContentProvider,
	observer Observer,
	maxLength int,
	logger *slog.Logger,
) *Conversation {
	return &Conversation{
		llm:       llm,
		pages:     pages,
		observer:  observer,
		maxLength: maxLength,
		transcript: []models.Message{
			{
				ID:        uuid.New().String(),
				Content:   greeting,
				Sender:    models.RoleAssistant,
				Timestamp: time.Now(),
			},
		},
		logger: logger.With(slog.String("module", "conversation")),
	}
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// Streaming returns the text accumulated by the live session, and whether a send is in progress.
func (c *Conversation) Streaming() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming, c.typing
}

// Wait blocks until every started send has finished.
func (c *Conversation) Wait() {
	c.wg.Wait()
}

// Send appends the user message to the transcript and starts producing the assistant reply in the
// background. The reply, or an error entry, is appended to the transcript when the send finishes.
// It fails with models.ErrNotConfigured, without touching the transcript, when the completion
// client has no credential; the caller is expected to ask the user for one.
//
// The send outlives ctx: values are kept, cancellation is not.
func (c *Conversation) Send(ctx context.Context, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, models.ErrEmptyMessage
	}
	if !c.llm.Configured() {
		return models.Message{}, models.ErrNotConfigured
	}

	msg := models.Message{
		ID:        uuid.New().String(),
		Content:   text,
		Sender:    models.RoleUser,
		Timestamp: time.Now(),
	}
	session := uuid.New().String()

	c.mu.Lock()
	history := models.History(c.transcript)
	c.transcript = append(c.transcript, msg)
	c.current = session
	c.streaming = ""
	c.notify(models.Event{Type: models.EventMessage, Message: &msg})
	c.setTyping(true)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(context.WithoutCancel(ctx), session, history, text)
	}()

	return msg, nil
}

func (c *Conversation) process(ctx context.Context, session string, history []models.HistoryEntry, text string) {
	logger := c.logger.With(slog.String("session", session))

	prompt, err := c.resolveReference(ctx, text)
	if err != nil {
		logger.Warn("Failed to resolve page reference", slog.String(errLoggerKey, err.Error()))
		c.fail(session, err)
		return
	}

	history = append(history, models.HistoryEntry{
		Role:    models.RoleUser,
		Content: prompt,
	})

	var reply strings.Builder
	c.llm.SendStream(ctx, history,
		func(chunk string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.current != session {
				return
			}
			reply.WriteString(chunk)
			c.streaming = reply.String()
			c.notify(models.Event{
				Type:      models.EventStream,
				SessionID: session,
				Text:      c.streaming,
			})
		},
		func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.current != session {
				logger.Debug("Dropped completion of superseded session")
				return
			}
			c.finish(session, reply.String())
		},
		func(err error) {
			logger.Error("Completion failed", slog.String(errLoggerKey, err.Error()))
			c.fail(session, err)
		},
	)
}

// resolveReference replaces every page marker in text with the formatted content of the active page.
func (c *Conversation) resolveReference(ctx context.Context, text string) (string, error) {
	if !strings.Contains(text, PageMarker) {
		return text, nil
	}

	c.setLoadingPage(true)
	defer c.setLoadingPage(false)

	page := c.pages.CurrentPageContent(ctx)
	if page == nil {
		return "", models.ErrContentUnavailable
	}

	formatted := content.Format(*page, c.maxLength)
	return strings.ReplaceAll(text, PageMarker, "the following page content:\n\n"+formatted), nil
}

func (c *Conversation) fail(session string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != session {
		c.logger.Debug("Dropped error of superseded session",
			slog.String("session", session),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	c.finish(session, fmt.Sprintf("Error: %s", err.Error()))
}

// finish appends the assistant entry of the session and clears the in-progress state. c.mu must be
// held.
func (c *Conversation) finish(session, text string) {
	msg := models.Message{
		ID:        session,
		Content:   text,
		Sender:    models.RoleAssistant,
		Timestamp: time.Now(),
	}
	c.transcript = append(c.transcript, msg)
	c.current = ""
	c.streaming = ""
	c.notify(models.Event{Type: models.EventMessage, Message: &msg})
	c.setTyping(false)
}

// setTyping must be called with c.mu held.
func (c *Conversation) setTyping(active bool) {
	c.typing = active
	c.notify(models.Event{Type: models.EventTyping, Active: active})
}

func (c *Conversation) setLoadingPage(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify(models.Event{Type: models.EventLoadingPage, Active: active})
}

func (c *Conversation) notify(ev models.Event) {
	if c.observer != nil {
		c.observer.Notify(ev)
	}
}
