package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/content"
	"github.com/MegaGrindStone/pagechat/internal/relay"
)

// Fetcher hosts pages without a browser: the document of a tab is downloaded again every time the
// content script is asked for it. Pages relying on scripts to render their content come out empty.
type Fetcher struct {
	hub      *relay.Hub
	windowID int

	client *http.Client

	logger *slog.Logger
}

// NewFetcher creates a Fetcher opening tabs in the given hub window.
func NewFetcher(hub *relay.Hub, windowID int, client *http.Client, logger *slog.Logger) Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return Fetcher{
		hub:      hub,
		windowID: windowID,
		client:   client,
		logger:   logger.With(slog.String("module", "fetcher")),
	}
}

// Open downloads url once to check it is reachable, then registers it as a new tab, which becomes the
// active tab of the focused window.
func (f Fetcher) Open(ctx context.Context, url string) (relay.Tab, error) {
	page, err := f.fetch(ctx, url)
	if err != nil {
		return relay.Tab{}, err
	}

	title := ""
	if snapshot, ok := content.Extract(page, time.Now()); ok {
		title = snapshot.Title
	}

	tab := f.hub.OpenTab(f.windowID, url, title)
	if err := attachScript(f.hub, tab, fetchedPage{fetcher: f, url: url}, f.logger); err != nil {
		f.hub.CloseTab(tab.ID)
		return relay.Tab{}, err
	}

	f.logger.Info("Tab opened", slog.Int("tabID", tab.ID), slog.String("url", url))

	return tab, nil
}

func (f Fetcher) fetch(ctx context.Context, url string) (content.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return content.Page{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return content.Page{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return content.Page{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return content.ParsePage(resp.Body, resp.Request.URL.String())
}

type fetchedPage struct {
	fetcher Fetcher
	url     string
}

func (p fetchedPage) Page(ctx context.Context) (content.Page, error) {
	return p.fetcher.fetch(ctx, p.url)
}

func attachScript(hub *relay.Hub, tab relay.Tab, source content.PageSource, logger *slog.Logger) error {
	script := content.NewScript(source, logger)
	if err := hub.AddListener(tab.ID, script.Handle); err != nil {
		return fmt.Errorf("error attaching content script to tab %d: %w", tab.ID, err)
	}
	return nil
}
