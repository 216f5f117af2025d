package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/clawdbot/coreloop/internal/agent"
	"github.com/clawdbot/coreloop/internal/stream"
	openai "github.com/sashabaranov/go-openai"
)

// buildOpenAIRequest composes an OpenAI-dialect chat-completion request
// using go-openai's wire structs (reused, not reimplemented), matching
// every OpenAI-compatible provider in the catalog (openai, groq, cerebras,
// sambanova, openrouter, google, nvidia, cohere, mistral, huggingface,
// cloudflare, together, fireworks).
func buildOpenAIRequest(ctx context.Context, host, path, key string, creq *agent.CompletionRequest) (*http.Request, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    creq.Model,
		Messages: convertToOpenAIMessages(creq),
		Stream:   true,
	}
	if creq.MaxTokens > 0 {
		chatReq.MaxTokens = creq.MaxTokens
	}
	if creq.Temperature > 0 {
		chatReq.Temperature = float32(creq.Temperature)
	}
	if len(creq.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(creq.Tools)
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	return httpReq, nil
}

func decodeOpenAI(ctx context.Context, body io.ReadCloser) <-chan *stream.Chunk {
	return stream.DecodeOpenAI(ctx, body)
}

func convertToOpenAIMessages(creq *agent.CompletionRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(creq.Messages)+1)

	if creq.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: creq.System,
		})
	}

	for _, msg := range creq.Messages {
		oaiMsg := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.Name,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Params),
					},
				}
			}
		}

		if msg.Role == "tool" && len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Payload,
					ToolCallID: tr.Tool,
				})
			}
			continue
		}

		result = append(result, oaiMsg)
	}

	if len(creq.Images) > 0 && len(result) > 0 {
		last := &result[len(result)-1]
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: last.Content}}
		for _, img := range creq.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		last.MultiContent = parts
		last.Content = ""
	}

	return result
}

func convertToOpenAITools(tools []agent.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
