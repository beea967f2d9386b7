package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/pagechat/internal/models"
)

// TabQuerier finds tabs, see Hub.Query.
type TabQuerier interface {
	Query(ctx context.Context, q QueryInfo) ([]Tab, error)
}

// Messenger sends a message to the listeners of a tab, see Hub.SendMessage.
type Messenger interface {
	SendMessage(ctx context.Context, tabID int, msg Message) (json.RawMessage, error)
}

// Errors returned by Relay.Fetch.
var (
	ErrNoActiveTab = errors.New("no active tab found")
	ErrUnavailable = errors.New("content script reported no content")
)

// Relay lets the panel ask the active page's content script for its content.
type Relay struct {
	tabs      TabQuerier
	messenger Messenger

	mu     sync.RWMutex
	cached *models.PageContent

	logger *slog.Logger
}

// New creates a Relay on top of the given tab querier and messenger; a Hub serves as both.
func New(tabs TabQuerier, messenger Messenger, logger *slog.Logger) *Relay {
	return &Relay{
		tabs:      tabs,
		messenger: messenger,
		logger:    logger.With(slog.String("module", "relay")),
	}
}

// Fetch retrieves the content of the active tab of the focused window. It fails with ErrNoActiveTab
// when there is no such tab, with ErrUnavailable when the content script answered with no content,
// and with the messenger's error when the tab could not be reached.
func (r *Relay) Fetch(ctx context.Context) (models.PageContent, error) {
	tabs, err := r.tabs.Query(ctx, QueryInfo{Active: true, CurrentWindow: true})
	if err != nil {
		return models.PageContent{}, fmt.Errorf("error querying tabs: %w", err)
	}
	if len(tabs) == 0 {
		return models.PageContent{}, ErrNoActiveTab
	}
	tab := tabs[0]

	res, err := r.messenger.SendMessage(ctx, tab.ID, Message{Type: TypeGetPageContent})
	if err != nil {
		return models.PageContent{}, fmt.Errorf("error sending message to tab %d: %w", tab.ID, err)
	}

	res = bytes.TrimSpace(res)
	if len(res) == 0 || bytes.Equal(res, []byte("null")) {
		return models.PageContent{}, ErrUnavailable
	}

	var content models.PageContent
	if err := json.Unmarshal(res, &content); err != nil {
		return models.PageContent{}, fmt.Errorf("error unmarshaling page content: %w", err)
	}

	r.mu.Lock()
	r.cached = &content
	r.mu.Unlock()

	return content, nil
}

// CurrentPageContent is Fetch with every failure collapsed to nil. Failures are logged.
func (r *Relay) CurrentPageContent(ctx context.Context) *models.PageContent {
	content, err := r.Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrNoActiveTab) {
			r.logger.Warn("No active tab found")
		} else {
			r.logger.Error("Failed to get page content", slog.String("err", err.Error()))
		}
		return nil
	}
	return &content
}

// CachedContent returns the last content successfully fetched, or nil. It is only meant for
// inspection; Fetch always asks the page again.
func (r *Relay) CachedContent() *models.PageContent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached == nil {
		return nil
	}
	c := *r.cached
	return &c
}

// ClearCache forgets the last fetched content.
func (r *Relay) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}
