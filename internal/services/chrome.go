package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/pagechat/internal/content"
	"github.com/MegaGrindStone/pagechat/internal/relay"
	"github.com/chromedp/chromedp"
)

// Chrome hosts pages in a Chrome instance driven through the DevTools protocol. Every opened page is
// a browser tab registered in the hub with a content script that snapshots the tab's live DOM.
type Chrome struct {
	hub      *relay.Hub
	windowID int

	browserCtx context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	tabs map[int]context.CancelFunc

	logger *slog.Logger
}

// ChromeConfig holds configuration for the Chrome page host.
type ChromeConfig struct {
	ProfileDir string // Chrome user data directory, a temporary one when empty
	Headless   bool   // Run headless (true) or with visible UI (false)
	WindowID   int    // Hub window the tabs are opened in
}

// NewChrome starts Chrome and returns a host opening tabs in it. Close must be called to stop the
// browser.
func NewChrome(cfg ChromeConfig, hub *relay.Hub, logger *slog.Logger) (*Chrome, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ProfileDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.ProfileDir))
	}
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	// An empty run starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("error starting chrome: %w", err)
	}

	return &Chrome{
		hub:        hub,
		windowID:   cfg.WindowID,
		browserCtx: browserCtx,
		cancel:     cancel,
		tabs:       make(map[int]context.CancelFunc),
		logger:     logger.With(slog.String("module", "chrome")),
	}, nil
}

// Open opens url in a new tab, which becomes the active tab of the focused window.
func (c *Chrome) Open(ctx context.Context, url string) (relay.Tab, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx)

	var title string
	err := runWithContext(ctx, tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
	)
	if err != nil {
		cancel()
		return relay.Tab{}, fmt.Errorf("error opening %s: %w", url, err)
	}

	tab := c.hub.OpenTab(c.windowID, url, title)
	if err := attachScript(c.hub, tab, chromePage{tabCtx: tabCtx}, c.logger); err != nil {
		cancel()
		c.hub.CloseTab(tab.ID)
		return relay.Tab{}, err
	}

	c.mu.Lock()
	c.tabs[tab.ID] = cancel
	c.mu.Unlock()

	c.logger.Info("Tab opened", slog.Int("tabID", tab.ID), slog.String("url", url))

	return tab, nil
}

// Close closes every tab and stops the browser.
func (c *Chrome) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, cancel := range c.tabs {
		c.hub.CloseTab(id)
		cancel()
		delete(c.tabs, id)
	}
	c.cancel()
}

// chromePage reads the live DOM of a tab. The serialized DOM is parsed into a detached tree, so
// extraction never touches the page.
type chromePage struct {
	tabCtx context.Context
}

func (p chromePage) Page(ctx context.Context) (content.Page, error) {
	var doc, location string
	err := runWithContext(ctx, p.tabCtx,
		chromedp.OuterHTML("html", &doc, chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err != nil {
		return content.Page{}, fmt.Errorf("error reading dom: %w", err)
	}
	return content.ParsePage(strings.NewReader(doc), location)
}

// runWithContext runs the actions in the tab and gives up when ctx is done. The tab keeps running
// the actions in the background.
func runWithContext(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	errs := make(chan error, 1)
	go func() {
		errs <- chromedp.Run(tabCtx, actions...)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
