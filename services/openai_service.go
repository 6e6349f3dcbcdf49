package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"voiceagent/models"
)

// ChatCompleter is the part of the go-openai client the exchanger needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	SystemPrompt string
	Fallback     string
}

// OpenAIService produces the assistant's next utterance from the running
// dialogue. It holds no per-call state.
type OpenAIService struct {
	client ChatCompleter
	opts   OpenAIOptions
	logger *slog.Logger
}

func NewOpenAIService(opts OpenAIOptions, logger *slog.Logger) (*OpenAIService, error) {
	if opts.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return NewOpenAIServiceWithClient(openai.NewClientWithConfig(cfg), opts, logger), nil
}

func NewOpenAIServiceWithClient(client ChatCompleter, opts OpenAIOptions, logger *slog.Logger) *OpenAIService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.Fallback == "" {
		opts.Fallback = "I'm having trouble processing that right now. Could you try asking something else?"
	}
	return &OpenAIService{client: client, opts: opts, logger: logger}
}

// NextReply never fails: backend errors, timeouts and empty answers all
// turn into the fallback line so the caller always hears something.
func (s *OpenAIService) NextReply(ctx context.Context, history []models.Exchange, utterance string) string {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.opts.Model,
		Messages:    BuildMessages(s.opts.SystemPrompt, history, utterance),
		MaxTokens:   s.opts.MaxTokens,
		Temperature: float32(s.opts.Temperature),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "openai chat completion failed", "err", err, "history", len(history))
		return s.opts.Fallback
	}
	if len(resp.Choices) == 0 {
		s.logger.ErrorContext(ctx, "openai returned no choices", "model", s.opts.Model)
		return s.opts.Fallback
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		s.logger.WarnContext(ctx, "openai returned an empty reply", "model", s.opts.Model)
		return s.opts.Fallback
	}
	s.logger.DebugContext(ctx, "openai reply",
		"latency", time.Since(started),
		"total_tokens", resp.Usage.TotalTokens,
		"reply_chars", len(reply),
	)
	return reply
}

// BuildMessages lays out the prompt as system, then one user/assistant pair
// per earlier exchange, then the new utterance.
func BuildMessages(systemPrompt string, history []models.Exchange, utterance string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, 2+2*len(history))
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, ex := range history {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.AI},
		)
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: utterance,
	})
}
