package builtin

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/agentflow/pkg/executor"
)

// HTTPModelExecutor posts a chat-completion request to an
// OpenAI-compatible model endpoint.
type HTTPModelExecutor struct {
	*executor.BaseExecutor
}

// NewHTTPModelExecutor builds an http model executor.
func NewHTTPModelExecutor() *HTTPModelExecutor {
	return &HTTPModelExecutor{BaseExecutor: executor.NewBaseExecutor("http")}
}

// Validate checks that the config names a model, a prompt, and an API key.
func (e *HTTPModelExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "model", "prompt", "api_key")
}

// Execute sends the resolved prompt/system_prompt/sampling params to the
// configured endpoint (defaulting to the OpenAI API) and returns the
// model's reply text.
func (e *HTTPModelExecutor) Execute(ctx context.Context, config map[string]any) (*executor.Result, error) {
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	apiKey, err := e.GetString(config, "api_key")
	if err != nil {
		return nil, err
	}
	model, err := e.GetString(config, "model")
	if err != nil {
		return nil, err
	}
	prompt, err := e.GetString(config, "prompt")
	if err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if endpoint := e.GetStringDefault(config, "endpoint", ""); endpoint != "" {
		clientConfig.BaseURL = endpoint
	}
	client := openai.NewClientWithConfig(clientConfig)

	var messages []openai.ChatCompletionMessage
	if sys := e.GetStringDefault(config, "system_prompt", ""); sys != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if temp, ok := config["temperature"].(float64); ok {
		req.Temperature = float32(temp)
	}
	if maxTokens, ok := config["max_tokens"]; ok {
		req.MaxTokens = e.GetIntDefault(map[string]any{"v": maxTokens}, "v", 0)
	}
	if topP, ok := config["top_p"].(float64); ok {
		req.TopP = float32(topP)
	}
	if stop, ok := config["stop"].([]any); ok {
		for _, s := range stop {
			if str, ok := s.(string); ok {
				req.Stop = append(req.Stop, str)
			}
		}
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("http model executor: %w", err)
	}
	if len(resp.Choices) == 0 {
		return &executor.Result{Metadata: map[string]any{"model": model}}, nil
	}

	content := resp.Choices[0].Message.Content
	return &executor.Result{
		Output:    content,
		HasOutput: content != "",
		Metadata: map[string]any{
			"model":             model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"finish_reason":     string(resp.Choices[0].FinishReason),
		},
	}, nil
}
