// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marhaba-chat-go/internal/config"

	"github.com/gorilla/websocket"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and an interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// Complete 以指定模型发送单条 prompt 并返回完整的回复文本。
	Complete(ctx context.Context, modelName, prompt string) (string, error)
	// StreamCompletion 以流式方式调用聊天接口，将分块写入 writer，并返回完整文本。
	StreamCompletion(ctx context.Context, modelName, prompt string, writer MessageWriter) (string, error)
	// SupportedModels 返回可用的模型标识列表。
	SupportedModels() []string
}

// ProviderError 表示生成服务的瞬时故障（网络错误、超时、非 200 响应）。
// 调用方可据此决定降级策略。
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ModelConfig 描述一个可用模型的生成参数。
type ModelConfig struct {
	ProviderModel string // 上游 API 使用的模型标识
	Temperature   float64
	MaxTokens     int
}

// modelConfigs 对外暴露的模型表。key 为 API 请求中的 model_name。
var modelConfigs = map[string]ModelConfig{
	"llama-3.1-8b":  {ProviderModel: "llama-3.1-8b-instant", Temperature: 0.7, MaxTokens: 2000},
	"llama-3.1-70b": {ProviderModel: "llama-3.1-70b-versatile", Temperature: 0.7, MaxTokens: 2000},
	"gpt-3.5-turbo": {ProviderModel: "gpt-3.5-turbo", Temperature: 0.7, MaxTokens: 1000},
	"gpt-4":         {ProviderModel: "gpt-4", Temperature: 0.7, MaxTokens: 1500},
}

// IsSupportedModel 判断模型标识是否在模型表中。
func IsSupportedModel(name string) bool {
	_, ok := modelConfigs[name]
	return ok
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client for an OpenAI-compatible chat endpoint.
func NewClient(cfg config.LLMConfig) Client {
	return &openAIClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Message 表示一条角色消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) SupportedModels() []string {
	names := make([]string, 0, len(modelConfigs))
	for name := range modelConfigs {
		names = append(names, name)
	}
	return names
}

// buildRequest 组装请求体；未知模型返回错误。
func (c *openAIClient) buildRequest(modelName, prompt string, stream bool) (*chatRequest, error) {
	mc, ok := modelConfigs[modelName]
	if !ok {
		return nil, fmt.Errorf("unsupported model: %s", modelName)
	}
	req := &chatRequest{
		Model:    mc.ProviderModel,
		Messages: []Message{{Role: "user", Content: prompt}},
		Stream:   stream,
	}
	t := mc.Temperature
	m := mc.MaxTokens
	// 全局生成配置优先于模型表默认值
	if c.cfg.Generation.Temperature != 0 {
		t = c.cfg.Generation.Temperature
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m = c.cfg.Generation.MaxTokens
	}
	req.Temperature = &t
	req.MaxTokens = &m
	return req, nil
}

// Complete calls the chat completions API and returns the full response text.
func (c *openAIClient) Complete(ctx context.Context, modelName, prompt string) (string, error) {
	reqBody, err := c.buildRequest(modelName, prompt, false)
	if err != nil {
		return "", err
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &ProviderError{Op: "complete", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{Op: "complete", Err: fmt.Errorf("non-200 status: %s, body: %s", resp.Status, string(bodyBytes))}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ProviderError{Op: "complete", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", &ProviderError{Op: "complete", Err: fmt.Errorf("empty choices in response")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamCompletion calls the chat completions API with streaming enabled,
// writes each chunk to the writer and returns the accumulated text.
func (c *openAIClient) StreamCompletion(ctx context.Context, modelName, prompt string, writer MessageWriter) (string, error) {
	reqBody, err := c.buildRequest(modelName, prompt, true)
	if err != nil {
		return "", err
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &ProviderError{Op: "stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{Op: "stream", Err: fmt.Errorf("non-200 status: %s, body: %s", resp.Status, string(bodyBytes))}
	}

	var full strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return full.String(), &ProviderError{Op: "stream", Err: fmt.Errorf("failed to read from stream: %w", err)}
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				full.WriteString(content)
				if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
					return full.String(), fmt.Errorf("failed to write message to websocket: %w", err)
				}
			}
		}
	}
	return full.String(), nil
}
