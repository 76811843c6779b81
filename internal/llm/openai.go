package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/strandloop/strand/pkg/models"
)

// OpenAIClient implements Client against the OpenAI chat-completions API
// (and any compatible endpoint via a custom base URL).
//
// Transient failures on stream/call establishment are retried with linear
// backoff. Errors inside an established stream are not retried; they are
// surfaced as a final chunk with Err set.
type OpenAIClient struct {
	client     *openai.Client
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// OpenAIOption customizes an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithRetries overrides the retry policy for call establishment.
func WithRetries(max int, delay time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		c.maxRetries = max
		c.retryDelay = delay
	}
}

// WithLogger injects a structured logger.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		c.logger = l
	}
}

// NewOpenAIClient builds a client for api.openai.com. baseURL may be empty
// for the default endpoint, or point at a compatible gateway.
func NewOpenAIClient(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	c := &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		logger:     slog.Default(),
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, req *Request) (*Completion, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, fmt.Errorf("openai completion: %w", lastErr)
		}
		c.logger.Warn("openai completion retry", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai completion: max retries exceeded: %w", lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion: response contained no choices")
	}
	choice := resp.Choices[0]

	out := &Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream implements Client.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan *StreamChunk, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, fmt.Errorf("openai stream: %w", lastErr)
		}
		c.logger.Warn("openai stream retry", "attempt", attempt+1, "error", lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai stream: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *StreamChunk)
	go c.pump(ctx, stream, chunks)
	return chunks, nil
}

// pump reads the SDK stream and forwards normalized deltas. It owns the
// output channel and always closes it.
func (c *OpenAIClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			chunks <- &StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			chunks <- &StreamChunk{Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			// Usage-only frame at the end of the stream.
			if resp.Usage != nil {
				chunks <- &StreamChunk{Usage: &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}}
			}
			continue
		}

		choice := resp.Choices[0]
		out := &StreamChunk{
			Content:      choice.Delta.Content,
			FinishReason: string(choice.FinishReason),
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			out.ToolCalls = append(out.ToolCalls, ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if out.Content == "" && len(out.ToolCalls) == 0 && out.FinishReason == "" {
			continue
		}
		chunks <- out
	}
}

// FormatTools implements Client.
func (c *OpenAIClient) FormatTools(defs []models.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		var params map[string]any
		if err := json.Unmarshal(d.ParametersSchema(), &params); err != nil {
			// One bad schema must not break function calling for the rest.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return out
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
	}
	if stream {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			chatReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		switch req.ToolChoice.Mode {
		case models.ToolChoiceNone:
			chatReq.ToolChoice = "none"
		case models.ToolChoiceRequired:
			chatReq.ToolChoice = "required"
		case models.ToolChoiceForce:
			chatReq.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.ForceTool},
			}
		default:
			// auto is the provider default; leave unset.
		}
	}
	return chatReq, nil
}

// convertMessages maps persisted messages to the wire format. Tool calls
// and tool-call links ride in message metadata.
func convertMessages(msgs []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleSystem, models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		case models.RoleAssistant:
			oai := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls() {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, oai)
		case models.RoleTool:
			callID, _ := msg.Metadata[models.MetaToolCallID].(string)
			if callID == "" {
				return nil, fmt.Errorf("tool message %s lacks %s metadata", msg.ID, models.MetaToolCallID)
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: callID,
			})
		default:
			return nil, fmt.Errorf("message %s has unsupported role %q", msg.ID, msg.Role)
		}
	}
	return out, nil
}

// retryable classifies establishment errors. Rate limits, 5xx, and
// timeouts are transient; auth and validation failures are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
