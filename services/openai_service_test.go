package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceagent/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildMessages(t *testing.T) {
	history := []models.Exchange{
		{User: "What's the weather?", AI: "Sunny."},
		{User: "And tomorrow?", AI: "Rain."},
	}
	msgs := BuildMessages("be brief", history, "Thanks")

	require.Len(t, msgs, 6)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)
	assert.Equal(t, "What's the weather?", msgs[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, msgs[2].Role)
	assert.Equal(t, "Sunny.", msgs[2].Content)
	assert.Equal(t, "Rain.", msgs[4].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[5].Role)
	assert.Equal(t, "Thanks", msgs[5].Content)

	assert.Len(t, BuildMessages("", nil, "hi"), 1)
}

func TestOpenAIService_NextReply(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": " San Francisco is foggy today. "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 7, "total_tokens": 27}
		}`)
	}))
	defer srv.Close()

	svc, err := NewOpenAIService(OpenAIOptions{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/v1",
		Model:        "gpt-4o-mini",
		MaxTokens:    150,
		Temperature:  0.7,
		Timeout:      5 * time.Second,
		SystemPrompt: "be brief",
	}, discardLogger())
	require.NoError(t, err)

	history := []models.Exchange{{User: "hello", AI: "hi there"}}
	reply := svc.NextReply(context.Background(), history, "Tell me about SF")

	assert.Equal(t, "San Francisco is foggy today.", reply)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 150, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "Tell me about SF", got.Messages[3].Content)
}

func TestOpenAIService_FallbackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error": {"message": "boom", "type": "server_error"}}`)
	}))
	defer srv.Close()

	svc, err := NewOpenAIService(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, discardLogger())
	require.NoError(t, err)

	reply := svc.NextReply(context.Background(), nil, "hello")
	assert.Equal(t, "I'm having trouble processing that right now. Could you try asking something else?", reply)
}

type stubCompleter struct {
	resp openai.ChatCompletionResponse
	err  error
	wait bool
}

func (s stubCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.wait {
		<-ctx.Done()
		return openai.ChatCompletionResponse{}, ctx.Err()
	}
	return s.resp, s.err
}

func TestOpenAIService_Fallbacks(t *testing.T) {
	tests := []struct {
		name   string
		client stubCompleter
	}{
		{"error", stubCompleter{err: errors.New("connection refused")}},
		{"no choices", stubCompleter{}},
		{"blank reply", stubCompleter{resp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "  "}}},
		}}},
		{"timeout", stubCompleter{wait: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewOpenAIServiceWithClient(tc.client, OpenAIOptions{
				Timeout:  20 * time.Millisecond,
				Fallback: "say again?",
			}, discardLogger())
			assert.Equal(t, "say again?", svc.NextReply(context.Background(), nil, "hello"))
		})
	}
}

func TestNewOpenAIService_RequiresKey(t *testing.T) {
	_, err := NewOpenAIService(OpenAIOptions{}, discardLogger())
	assert.Error(t, err)
}
