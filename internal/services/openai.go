package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/pagechat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// CredentialStore persists the API key. BoltDB implements it.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// LLMParameters are the sampling parameters sent with every completion request.
type LLMParameters struct {
	Temperature float32
	MaxTokens   int
}

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "gpt-4.1-nano"
	// APIKeyCredential is the store key of the API key.
	APIKeyCredential = "openai_api_key"

	emptyResponse = "Sorry, I couldn't generate a response."
)

// DefaultLLMParameters returns the parameters used when none are configured.
func DefaultLLMParameters() LLMParameters {
	return LLMParameters{
		Temperature: 0.7,
		MaxTokens:   1000,
	}
}

// OpenAI is the completion client for OpenAI's chat completion endpoint. The API key is kept in a
// CredentialStore; until one is set, every call fails with models.ErrNotConfigured without reaching
// the network.
type OpenAI struct {
	model       string
	baseURL     string
	fallbackKey string
	params      LLMParameters

	store CredentialStore

	mu     sync.RWMutex
	client *goopenai.Client

	logger *slog.Logger
}

// OpenAIConfig configures NewOpenAI. FallbackAPIKey is used when the store holds no key; it is never
// written to the store. An empty BaseURL means the public endpoint.
type OpenAIConfig struct {
	Model          string
	BaseURL        string
	FallbackAPIKey string
	Params         LLMParameters
}

// NewOpenAI creates an OpenAI client. Call Initialize to load the stored API key.
func NewOpenAI(cfg OpenAIConfig, store CredentialStore, logger *slog.Logger) *OpenAI {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{
		model:       model,
		baseURL:     cfg.BaseURL,
		fallbackKey: cfg.FallbackAPIKey,
		params:      cfg.Params,
		store:       store,
		logger:      logger.With(slog.String("module", "openai")),
	}
}

// Initialize loads the API key from the store and reports whether the client is configured.
func (o *OpenAI) Initialize(ctx context.Context) (bool, error) {
	key, ok, err := o.store.Get(ctx, APIKeyCredential)
	if err != nil {
		return false, fmt.Errorf("error loading API key: %w", err)
	}
	if !ok || key == "" {
		key = o.fallbackKey
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = o.newClient(key)
	return o.client != nil, nil
}

// SetAPIKey stores the API key and configures the client with it.
func (o *OpenAI) SetAPIKey(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("API key is required")
	}
	if err := o.store.Set(ctx, APIKeyCredential, key); err != nil {
		return fmt.Errorf("error storing API key: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = o.newClient(key)
	return nil
}

// ClearAPIKey removes the stored API key and unconfigures the client.
func (o *OpenAI) ClearAPIKey(ctx context.Context) error {
	if err := o.store.Remove(ctx, APIKeyCredential); err != nil {
		return fmt.Errorf("error removing API key: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.client = nil
	return nil
}

// Configured reports whether an API key is set.
func (o *OpenAI) Configured() bool {
	return o.currentClient() != nil
}

func (o *OpenAI) newClient(key string) *goopenai.Client {
	if key == "" {
		return nil
	}
	cfg := goopenai.DefaultConfig(key)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

func (o *OpenAI) currentClient() *goopenai.Client {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.client
}

// SendStream streams a completion for the history. onChunk is called once per non-empty delta in
// arrival order, then exactly one of onComplete and onError is called. Errors passed to onError are
// the models error taxonomy; when no API key is set, onError is called before returning and no
// request is made.
func (o *OpenAI) SendStream(
	ctx context.Context,
	history []models.HistoryEntry,
	onChunk func(string),
	onComplete func(),
	onError func(error),
) {
	client := o.currentClient()
	if client == nil {
		onError(models.ErrNotConfigured)
		return
	}

	for chunk, err := range o.chat(ctx, client, history) {
		if err != nil {
			o.logger.Error("Streaming request failed", slog.String(errLoggerKey, err.Error()))
			onError(classifyError(err))
			return
		}
		onChunk(chunk)
	}
	onComplete()
}

// Send requests a completion for the history without streaming.
func (o *OpenAI) Send(ctx context.Context, history []models.HistoryEntry) (string, error) {
	client := o.currentClient()
	if client == nil {
		return "", models.ErrNotConfigured
	}

	req := o.chatRequest(openAIMessages(history), false)
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("Request failed", slog.String(errLoggerKey, err.Error()))
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return emptyResponse, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// chat streams the non-empty content deltas of a completion. Errors are yielded unclassified.
func (o *OpenAI) chat(
	ctx context.Context,
	client *goopenai.Client,
	history []models.HistoryEntry,
) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req := o.chatRequest(openAIMessages(history), true)

		reqJSON, err := json.Marshal(req)
		if err == nil {
			o.logger.Debug("Request", slog.String("req", string(reqJSON)))
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}

func openAIMessages(history []models.HistoryEntry) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, len(history))
	for i, entry := range history {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(entry.Role),
			Content: entry.Content,
		}
	}
	return msgs
}

func (o *OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage, stream bool) goopenai.ChatCompletionRequest {
	return goopenai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: o.params.Temperature,
		MaxTokens:   o.params.MaxTokens,
		Stream:      stream,
	}
}
