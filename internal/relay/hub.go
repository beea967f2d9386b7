package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Message is a request sent to the listeners of a tab. Type discriminates between request kinds so
// several listeners can share one tab.
type Message struct {
	Type string `json:"type"`
}

// TypeGetPageContent asks a tab's content script for a snapshot of the page.
const TypeGetPageContent = "GET_PAGE_CONTENT"

// Handler is a listener attached to a tab. It returns the response and whether it handled the
// message. Unhandled messages are passed on to the next listener of the tab.
type Handler func(ctx context.Context, msg Message) (any, bool)

// Tab describes a page known to the Hub.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active"`
}

// QueryInfo filters the tabs returned by Hub.Query.
type QueryInfo struct {
	// Active only matches the active tab of each window.
	Active bool
	// CurrentWindow only matches tabs of the focused window.
	CurrentWindow bool
}

// Errors returned by Hub.SendMessage.
var (
	ErrTabNotFound = errors.New("no tab with the given id")
	ErrNoReceiver  = errors.New("could not establish connection, receiving end does not exist")
	ErrNoResponse  = errors.New("message channel closed before a response was received")
	ErrTimeout     = errors.New("timed out waiting for a response")
)

// Hub is an in-process stand-in for the browser's cross-context messaging. Each tab with listeners
// runs them on its own goroutine, isolated from the caller: requests and replies only cross the
// boundary through channels, and replies are JSON-encoded so the caller never shares memory with
// the page side. Every request gets at most one reply.
type Hub struct {
	timeout time.Duration

	mu      sync.RWMutex
	nextID  int
	tabs    map[int]*tabState
	focused int

	logger *slog.Logger
}

type tabState struct {
	tab      Tab
	handlers []Handler

	inbox chan envelope
	done  chan struct{}
}

type envelope struct {
	ctx   context.Context
	msg   Message
	reply chan reply
}

type reply struct {
	data json.RawMessage
	err  error
}

// NewHub creates a Hub. Requests that are not answered within timeout fail with ErrTimeout; a
// non-positive timeout leaves the deadline to the caller's context.
func NewHub(timeout time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		timeout: timeout,
		tabs:    make(map[int]*tabState),
		logger:  logger.With(slog.String("module", "hub")),
	}
}

// OpenTab registers a new tab in the given window. The new tab becomes the window's active tab and
// the window becomes the focused one.
func (h *Hub) OpenTab(windowID int, url, title string) Tab {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	for _, ts := range h.tabs {
		if ts.tab.WindowID == windowID {
			ts.tab.Active = false
		}
	}
	ts := &tabState{
		tab: Tab{
			ID:       h.nextID,
			WindowID: windowID,
			URL:      url,
			Title:    title,
			Active:   true,
		},
		inbox: make(chan envelope),
		done:  make(chan struct{}),
	}
	h.tabs[ts.tab.ID] = ts
	h.focused = windowID

	h.logger.Debug("Tab opened", slog.Int("tabID", ts.tab.ID), slog.String("url", url))

	return ts.tab
}

// UpdateTab changes the url and title of a tab, as after a navigation.
func (h *Hub) UpdateTab(tabID int, url, title string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	ts.tab.URL = url
	ts.tab.Title = title
	return nil
}

// Activate makes the tab the active one of its window and focuses that window.
func (h *Hub) Activate(tabID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	for _, other := range h.tabs {
		if other.tab.WindowID == ts.tab.WindowID {
			other.tab.Active = other.tab.ID == tabID
		}
	}
	h.focused = ts.tab.WindowID
	return nil
}

// FocusWindow makes windowID the focused window.
func (h *Hub) FocusWindow(windowID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.focused = windowID
}

// CloseTab removes the tab and stops its listeners. Requests waiting on the tab fail with
// ErrNoResponse.
func (h *Hub) CloseTab(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.tabs[tabID]
	if !ok {
		return
	}
	delete(h.tabs, tabID)
	close(ts.done)
}

// Close closes every tab.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ts := range h.tabs {
		delete(h.tabs, id)
		close(ts.done)
	}
}

// AddListener attaches a handler to the tab. The first listener starts the tab's goroutine.
func (h *Hub) AddListener(tabID int, handler Handler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	ts.handlers = append(ts.handlers, handler)
	if len(ts.handlers) == 1 {
		go h.serve(ts)
	}
	return nil
}

func (h *Hub) listeners(ts *tabState) []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(ts.handlers)
}

// Query returns the tabs matching q, ordered by id.
func (h *Hub) Query(_ context.Context, q QueryInfo) ([]Tab, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var tabs []Tab
	for _, ts := range h.tabs {
		if q.Active && !ts.tab.Active {
			continue
		}
		if q.CurrentWindow && ts.tab.WindowID != h.focused {
			continue
		}
		tabs = append(tabs, ts.tab)
	}
	slices.SortFunc(tabs, func(a, b Tab) int { return a.ID - b.ID })
	return tabs, nil
}

// SendMessage delivers msg to the listeners of the tab and waits for the reply. The reply is the
// JSON encoding of the handler's response.
func (h *Hub) SendMessage(ctx context.Context, tabID int, msg Message) (json.RawMessage, error) {
	h.mu.RLock()
	ts, ok := h.tabs[tabID]
	var inbox chan envelope
	var done chan struct{}
	var listeners int
	if ok {
		inbox, done, listeners = ts.inbox, ts.done, len(ts.handlers)
	}
	h.mu.RUnlock()

	if !ok {
		return nil, ErrTabNotFound
	}
	if listeners == 0 {
		return nil, ErrNoReceiver
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	env := envelope{
		ctx:   ctx,
		msg:   msg,
		reply: make(chan reply, 1),
	}

	select {
	case inbox <- env:
	case <-done:
		return nil, ErrNoReceiver
	case <-ctx.Done():
		return nil, contextError(ctx)
	}

	select {
	case r := <-env.reply:
		return r.data, r.err
	case <-done:
		return nil, ErrNoResponse
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (h *Hub) serve(ts *tabState) {
	logger := h.logger.With(slog.Int("tabID", ts.tab.ID))
	for {
		select {
		case <-ts.done:
			return
		case env := <-ts.inbox:
			env.reply <- dispatch(env, h.listeners(ts), logger)
		}
	}
}

func dispatch(env envelope, handlers []Handler, logger *slog.Logger) (r reply) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Listener panicked",
				slog.String("type", env.msg.Type),
				slog.String("panic", fmt.Sprint(p)))
			r = reply{err: fmt.Errorf("listener panicked: %v", p)}
		}
	}()

	for _, handle := range handlers {
		res, handled := handle(env.ctx, env.msg)
		if !handled {
			continue
		}
		data, err := json.Marshal(res)
		if err != nil {
			return reply{err: fmt.Errorf("error marshaling response: %w", err)}
		}
		return reply{data: data}
	}
	return reply{err: ErrNoResponse}
}
