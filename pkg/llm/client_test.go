package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"marhaba-chat-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		APIKey:                "test-key",
		BaseURL:               baseURL,
		DefaultModel:          "llama-3.1-8b",
		RequestTimeoutSeconds: 5,
	}
}

func TestIsSupportedModel(t *testing.T) {
	assert.True(t, IsSupportedModel("llama-3.1-8b"))
	assert.True(t, IsSupportedModel("gpt-4"))
	assert.False(t, IsSupportedModel("gpt-99"))
	assert.False(t, IsSupportedModel(""))
}

func TestCompleteSendsProviderModel(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello back"}}]}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	out, err := client.Complete(context.Background(), "llama-3.1-8b", "hello")
	require.NoError(t, err)

	assert.Equal(t, "hello back", out)
	assert.Equal(t, "Bearer test-key", gotAuth)
	// 对外模型名映射为上游模型标识
	assert.Equal(t, "llama-3.1-8b-instant", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestCompleteUnsupportedModel(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:0"))
	_, err := client.Complete(context.Background(), "gpt-99", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported model")
}

func TestCompleteNon200IsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Complete(context.Background(), "gpt-4", "hello")
	require.Error(t, err)

	var provErr *ProviderError
	assert.ErrorAs(t, err, &provErr)
}

type collectWriter struct {
	chunks []string
}

func (c *collectWriter) WriteMessage(messageType int, data []byte) error {
	c.chunks = append(c.chunks, string(data))
	return nil
}

func TestStreamCompletionParsesSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n"))
		w.Write([]byte("\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n"))
		w.Write([]byte("data: [DONE]\n"))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	writer := &collectWriter{}
	full, err := client.StreamCompletion(context.Background(), "llama-3.1-8b", "hi", writer)
	require.NoError(t, err)

	assert.Equal(t, "Hello", full)
	assert.Equal(t, []string{"Hel", "lo"}, writer.chunks)
}

func TestSupportedModelsCoversModelTable(t *testing.T) {
	client := NewClient(testConfig("http://127.0.0.1:0"))
	models := client.SupportedModels()
	assert.ElementsMatch(t, []string{"llama-3.1-8b", "llama-3.1-70b", "gpt-3.5-turbo", "gpt-4"}, models)
}
