package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MegaGrindStone/pagechat/internal/models"
	"github.com/MegaGrindStone/pagechat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[key] = value
	return nil
}

func (m *memoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.values, key)
	return nil
}

type recordedRequest struct {
	Path          string
	Authorization string
	Body          struct {
		Model       string  `json:"model"`
		Stream      bool    `json:"stream"`
		Temperature float32 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
}

type fakeOpenAI struct {
	srv      *httptest.Server
	requests atomic.Int32

	mu   sync.Mutex
	last recordedRequest
}

func newFakeOpenAI(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *fakeOpenAI {
	t.Helper()
	f := &fakeOpenAI{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)

		var rec recordedRequest
		rec.Path = r.URL.Path
		rec.Authorization = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&rec.Body); err != nil {
			t.Errorf("error decoding request: %v", err)
		}
		f.mu.Lock()
		f.last = rec
		f.mu.Unlock()

		handle(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOpenAI) lastRequest() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func streamChunks(chunks ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, c := range chunks {
			data, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"model":   "gpt-4.1-nano",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func errorStatus(status int, errType, code, message string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": message, "type": errType, "code": code},
		})
	}
}

func newClient(t *testing.T, f *fakeOpenAI, key string) *services.OpenAI {
	t.Helper()
	o := services.NewOpenAI(services.OpenAIConfig{
		BaseURL:        f.srv.URL + "/v1",
		FallbackAPIKey: key,
		Params:         services.DefaultLLMParameters(),
	}, newMemoryStore(), slog.New(slog.DiscardHandler))

	_, err := o.Initialize(context.Background())
	require.NoError(t, err)
	return o
}

type streamResult struct {
	chunks    []string
	completed int
	errs      []error
}

func stream(o *services.OpenAI, history []models.HistoryEntry) streamResult {
	var res streamResult
	o.SendStream(context.Background(), history,
		func(chunk string) { res.chunks = append(res.chunks, chunk) },
		func() { res.completed++ },
		func(err error) { res.errs = append(res.errs, err) },
	)
	return res
}

func TestOpenAISendStream(t *testing.T) {
	f := newFakeOpenAI(t, streamChunks("Hel", "", "lo", " world"))
	o := newClient(t, f, "sk-test")

	history := []models.HistoryEntry{
		{Role: models.RoleAssistant, Content: "Hi! How can I help?"},
		{Role: models.RoleUser, Content: "Say hello"},
	}
	res := stream(o, history)

	assert.Equal(t, []string{"Hel", "lo", " world"}, res.chunks)
	assert.Equal(t, 1, res.completed)
	assert.Empty(t, res.errs)

	req := f.lastRequest()
	assert.Equal(t, "/v1/chat/completions", req.Path)
	assert.Equal(t, "Bearer sk-test", req.Authorization)
	assert.Equal(t, services.DefaultModel, req.Body.Model)
	assert.True(t, req.Body.Stream)
	assert.InDelta(t, 0.7, req.Body.Temperature, 0.0001)
	assert.Equal(t, 1000, req.Body.MaxTokens)
	require.Len(t, req.Body.Messages, 2)
	assert.Equal(t, "assistant", req.Body.Messages[0].Role)
	assert.Equal(t, "user", req.Body.Messages[1].Role)
	assert.Equal(t, "Say hello", req.Body.Messages[1].Content)
}

func TestOpenAISendStreamNoChunks(t *testing.T) {
	f := newFakeOpenAI(t, streamChunks())
	o := newClient(t, f, "sk-test")

	res := stream(o, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	assert.Empty(t, res.chunks)
	assert.Equal(t, 1, res.completed)
	assert.Empty(t, res.errs)
}

func TestOpenAISendStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
		want    error
	}{
		{
			name:    "Invalid key",
			handler: errorStatus(http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "Incorrect API key provided"),
			want:    models.ErrInvalidCredential,
		},
		{
			name:    "Rate limited",
			handler: errorStatus(http.StatusTooManyRequests, "requests", "rate_limit_exceeded", "Rate limit reached"),
			want:    models.ErrRateLimited,
		},
		{
			name:    "Quota exhausted",
			handler: errorStatus(http.StatusTooManyRequests, "insufficient_quota", "insufficient_quota", "You exceeded your current quota"),
			want:    models.ErrQuotaExceeded,
		},
		{
			name:    "Server error",
			handler: errorStatus(http.StatusInternalServerError, "server_error", "", "The server had an error"),
			want:    models.ErrRequestFailed,
		},
		{
			name: "Unparsable error body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, "<html>bad gateway</html>")
			},
			want: models.ErrRequestFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOpenAI(t, tt.handler)
			o := newClient(t, f, "sk-test")

			res := stream(o, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
			assert.Empty(t, res.chunks)
			assert.Zero(t, res.completed)
			require.Len(t, res.errs, 1)
			assert.ErrorIs(t, res.errs[0], tt.want)
		})
	}
}

func TestOpenAINotConfigured(t *testing.T) {
	f := newFakeOpenAI(t, streamChunks("never"))
	o := newClient(t, f, "")

	assert.False(t, o.Configured())

	res := stream(o, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	require.Len(t, res.errs, 1)
	assert.ErrorIs(t, res.errs[0], models.ErrNotConfigured)
	assert.Zero(t, res.completed)

	_, err := o.Send(context.Background(), []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	assert.ErrorIs(t, err, models.ErrNotConfigured)

	assert.Zero(t, f.requests.Load())
}

func TestOpenAISend(t *testing.T) {
	reply := func(content string) func(w http.ResponseWriter, r *http.Request) {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"choices": []any{map[string]any{
					"index":   0,
					"message": map[string]any{"role": "assistant", "content": content},
				}},
			})
		}
	}

	t.Run("Content", func(t *testing.T) {
		f := newFakeOpenAI(t, reply("Paris."))
		o := newClient(t, f, "sk-test")

		got, err := o.Send(context.Background(), []models.HistoryEntry{{Role: models.RoleUser, Content: "Capital of France?"}})
		require.NoError(t, err)
		assert.Equal(t, "Paris.", got)
		assert.False(t, f.lastRequest().Body.Stream)
	})

	t.Run("Empty content", func(t *testing.T) {
		f := newFakeOpenAI(t, reply(""))
		o := newClient(t, f, "sk-test")

		got, err := o.Send(context.Background(), []models.HistoryEntry{{Role: models.RoleUser, Content: "?"}})
		require.NoError(t, err)
		assert.Equal(t, "Sorry, I couldn't generate a response.", got)
	})

	t.Run("Rejected", func(t *testing.T) {
		f := newFakeOpenAI(t, errorStatus(http.StatusUnauthorized, "invalid_request_error", "invalid_api_key", "bad key"))
		o := newClient(t, f, "sk-test")

		_, err := o.Send(context.Background(), []models.HistoryEntry{{Role: models.RoleUser, Content: "?"}})
		assert.ErrorIs(t, err, models.ErrInvalidCredential)
	})
}

func TestOpenAICredentials(t *testing.T) {
	f := newFakeOpenAI(t, streamChunks("ok"))
	store := newMemoryStore()
	o := services.NewOpenAI(services.OpenAIConfig{
		BaseURL:        f.srv.URL + "/v1",
		FallbackAPIKey: "sk-env",
	}, store, slog.New(slog.DiscardHandler))

	assert.False(t, o.Configured())

	configured, err := o.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, configured)

	stream(o, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	assert.Equal(t, "Bearer sk-env", f.lastRequest().Authorization)
	_, stored, _ := store.Get(context.Background(), services.APIKeyCredential)
	assert.False(t, stored)

	require.NoError(t, o.SetAPIKey(context.Background(), "sk-stored"))
	stream(o, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	assert.Equal(t, "Bearer sk-stored", f.lastRequest().Authorization)

	// A stored key wins over the fallback.
	reloaded := services.NewOpenAI(services.OpenAIConfig{
		BaseURL:        f.srv.URL + "/v1",
		FallbackAPIKey: "sk-env",
	}, store, slog.New(slog.DiscardHandler))
	_, err = reloaded.Initialize(context.Background())
	require.NoError(t, err)
	stream(reloaded, []models.HistoryEntry{{Role: models.RoleUser, Content: "hi"}})
	assert.Equal(t, "Bearer sk-stored", f.lastRequest().Authorization)

	require.NoError(t, o.ClearAPIKey(context.Background()))
	assert.False(t, o.Configured())
	_, stored, _ = store.Get(context.Background(), services.APIKeyCredential)
	assert.False(t, stored)

	assert.Error(t, o.SetAPIKey(context.Background(), ""))
}

func TestOpenAIStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("disk full")
	o := services.NewOpenAI(services.OpenAIConfig{}, store, slog.New(slog.DiscardHandler))

	_, err := o.Initialize(context.Background())
	assert.ErrorIs(t, err, store.err)

	err = o.SetAPIKey(context.Background(), "sk")
	assert.ErrorIs(t, err, store.err)
	assert.False(t, o.Configured())

	assert.ErrorIs(t, o.ClearAPIKey(context.Background()), store.err)
}
