package content

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/relay"
)

// PageSource gives access to the live document of a tab.
type PageSource interface {
	Page(ctx context.Context) (Page, error)
}

// StaticSource serves an already parsed document.
type StaticSource Page

// Page returns the document.
func (s StaticSource) Page(context.Context) (Page, error) {
	return Page(s), nil
}

// Script is the content script of a tab. It answers page content requests with a fresh snapshot,
// or with null when no snapshot can be taken. It never fails past its boundary.
type Script struct {
	source PageSource
	now    func() time.Time

	logger *slog.Logger
}

// NewScript creates a content script reading from source.
func NewScript(source PageSource, logger *slog.Logger) *Script {
	return &Script{
		source: source,
		now:    time.Now,
		logger: logger.With(slog.String("module", "content")),
	}
}

// Handle is a relay.Handler. Messages other than relay.TypeGetPageContent are left to other
// listeners.
func (s *Script) Handle(ctx context.Context, msg relay.Message) (res any, handled bool) {
	if msg.Type != relay.TypeGetPageContent {
		return nil, false
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Extraction panicked", slog.String("panic", fmt.Sprint(p)))
			res, handled = nil, true
		}
	}()

	page, err := s.source.Page(ctx)
	if err != nil {
		s.logger.Error("Failed to read page", slog.String("err", err.Error()))
		return nil, true
	}

	content, ok := Extract(page, s.now())
	if !ok {
		s.logger.Warn("Page has no body", slog.String("url", page.URL))
		return nil, true
	}

	s.logger.Debug("Extracted page content",
		slog.String("url", content.URL),
		slog.Int("length", len(content.TextContent)))

	return content, true
}
