package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newProvider(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL}, zaptest.NewLogger(t))
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   DefaultModel,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}

func TestRespondSendsContextAndReturnsText(t *testing.T) {
	var got capturedRequest
	var auth string
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(w, "  Check the variable scope.  ")
	})

	reply, err := c.Respond(context.Background(), "Current Code:\nx\n\nConversation:\nalice: why")
	require.NoError(t, err)
	assert.Equal(t, "Check the variable scope.", reply)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, SystemPrompt, got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Contains(t, got.Messages[1].Content, "alice: why")
}

func TestRespondMapsRateLimit(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := c.Respond(context.Background(), "ctx")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRespondWrapsOtherFailures(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	})

	_, err := c.Respond(context.Background(), "ctx")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestRespondEmptyChoices(t *testing.T) {
	c := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	})

	reply, err := c.Respond(context.Background(), "ctx")
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestRespondWithoutKey(t *testing.T) {
	c := New(Config{}, zaptest.NewLogger(t))
	_, err := c.Respond(context.Background(), "ctx")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
