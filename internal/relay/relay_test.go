package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MegaGrindStone/pagechat/internal/models"
	"github.com/MegaGrindStone/pagechat/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTabs struct {
	tabs []relay.Tab
	err  error
	got  relay.QueryInfo
}

func (s *stubTabs) Query(_ context.Context, q relay.QueryInfo) ([]relay.Tab, error) {
	s.got = q
	return s.tabs, s.err
}

type stubMessenger struct {
	res   json.RawMessage
	err   error
	tabID int
	msg   relay.Message
	calls int
}

func (s *stubMessenger) SendMessage(_ context.Context, tabID int, msg relay.Message) (json.RawMessage, error) {
	s.calls++
	s.tabID = tabID
	s.msg = msg
	return s.res, s.err
}

func TestRelayFetch(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	page := models.PageContent{TextContent: "Hello", Title: "T", URL: "https://example.com", Timestamp: 1700000000000}
	pageJSON, err := json.Marshal(page)
	require.NoError(t, err)

	queryErr := errors.New("tabs api down")

	tests := []struct {
		name      string
		tabs      *stubTabs
		messenger *stubMessenger
		want      *models.PageContent
		wantErr   error
		wantCalls int
	}{
		{
			name:      "Active tab answers",
			tabs:      &stubTabs{tabs: []relay.Tab{{ID: 4, Active: true}, {ID: 9, Active: true}}},
			messenger: &stubMessenger{res: pageJSON},
			want:      &page,
			wantCalls: 1,
		},
		{
			name:      "No active tab",
			tabs:      &stubTabs{},
			messenger: &stubMessenger{},
			wantErr:   relay.ErrNoActiveTab,
		},
		{
			name:      "Query fails",
			tabs:      &stubTabs{err: queryErr},
			messenger: &stubMessenger{},
			wantErr:   queryErr,
		},
		{
			name:      "Content script answers null",
			tabs:      &stubTabs{tabs: []relay.Tab{{ID: 4}}},
			messenger: &stubMessenger{res: json.RawMessage("null")},
			wantErr:   relay.ErrUnavailable,
			wantCalls: 1,
		},
		{
			name:      "Nobody listening",
			tabs:      &stubTabs{tabs: []relay.Tab{{ID: 4}}},
			messenger: &stubMessenger{err: relay.ErrNoReceiver},
			wantErr:   relay.ErrNoReceiver,
			wantCalls: 1,
		},
		{
			name:      "Timed out",
			tabs:      &stubTabs{tabs: []relay.Tab{{ID: 4}}},
			messenger: &stubMessenger{err: relay.ErrTimeout},
			wantErr:   relay.ErrTimeout,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := relay.New(tt.tabs, tt.messenger, logger)

			got, err := r.Fetch(context.Background())
			assert.Equal(t, tt.wantCalls, tt.messenger.calls)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, r.CurrentPageContent(context.Background()))
				assert.Nil(t, r.CachedContent())
				return
			}

			require.NoError(t, err)
			assert.Equal(t, *tt.want, got)
			assert.Equal(t, relay.QueryInfo{Active: true, CurrentWindow: true}, tt.tabs.got)
			assert.Equal(t, 4, tt.messenger.tabID)
			assert.Equal(t, relay.TypeGetPageContent, tt.messenger.msg.Type)

			current := r.CurrentPageContent(context.Background())
			require.NotNil(t, current)
			assert.Equal(t, *tt.want, *current)
		})
	}
}

func TestRelayCache(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	messenger := &stubMessenger{res: json.RawMessage(`{"textContent":"first","title":"","url":"u","timestamp":1}`)}
	r := relay.New(&stubTabs{tabs: []relay.Tab{{ID: 1}}}, messenger, logger)

	assert.Nil(t, r.CachedContent())

	_, err := r.Fetch(context.Background())
	require.NoError(t, err)

	cached := r.CachedContent()
	require.NotNil(t, cached)
	assert.Equal(t, "first", cached.TextContent)

	// Every fetch asks the page again.
	messenger.res = json.RawMessage(`{"textContent":"second","title":"","url":"u","timestamp":2}`)
	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", got.TextContent)
	assert.Equal(t, 2, messenger.calls)

	// A failed fetch keeps the last good snapshot.
	messenger.res = json.RawMessage("null")
	_, err = r.Fetch(context.Background())
	require.ErrorIs(t, err, relay.ErrUnavailable)
	assert.Equal(t, "second", r.CachedContent().TextContent)

	r.ClearCache()
	assert.Nil(t, r.CachedContent())
}

func TestRelayThroughHubTimeout(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	hub := relay.NewHub(20*time.Millisecond, logger)
	defer hub.Close()

	tab := hub.OpenTab(1, "u", "t")
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, hub.AddListener(tab.ID, func(context.Context, relay.Message) (any, bool) {
		<-release
		return nil, true
	}))

	r := relay.New(hub, hub, logger)
	_, err := r.Fetch(context.Background())
	assert.ErrorIs(t, err, relay.ErrTimeout)
	assert.Nil(t, r.CurrentPageContent(context.Background()))
}
