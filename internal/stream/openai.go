package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// openaiDelta mirrors the subset of an OpenAI chat-completion SSE event this
// decoder cares about. Kept hand-rolled rather than reusing
// go-openai's stream types because this package decodes raw SSE bytes
// directly (no *openai.Client in the loop) so the dispatcher can share one
// decoding path across every dialect.
type openaiChunkEnvelope struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index    *int   `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// DecodeOpenAI parses an OpenAI-dialect SSE byte stream: `data: {json}\n`
// lines terminated by a `data: [DONE]` sentinel. It scans raw SSE bytes
// rather than consuming an *openai.ChatCompletionStream so CloudDispatcher
// can share this decoder across every dialect that speaks SSE (only openai
// does, today, but the shape generalizes).
func DecodeOpenAI(ctx context.Context, body io.ReadCloser) <-chan *Chunk {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		// index -> partial tool call id, so ArgsDelta fragments from the
		// same index correlate to one ToolCallID even before the
		// provider has assigned a final id on the first delta.
		indexIDs := map[int]string{}

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- &Chunk{Err: ctx.Err()}
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				out <- &Chunk{Kind: KindEnd}
				return
			}

			var env openaiChunkEnvelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				// Malformed lines are skipped silently per the decoder contract.
				continue
			}
			if env.Usage != nil {
				out <- &Chunk{Kind: KindEnd, InputTokens: env.Usage.PromptTokens, OutputTokens: env.Usage.CompletionTokens}
			}
			if len(env.Choices) == 0 {
				continue
			}
			delta := env.Choices[0].Delta

			if delta.Content != "" {
				out <- &Chunk{Kind: KindText, Text: delta.Content}
			}
			thought := delta.ReasoningContent
			if thought == "" {
				thought = delta.Reasoning
			}
			if thought != "" {
				out <- &Chunk{Kind: KindThought, Text: thought}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				id := tc.ID
				if id == "" {
					id = indexIDs[idx]
				}
				if id == "" {
					id = "idx:" + strconv.Itoa(idx)
				}
				indexIDs[idx] = id

				out <- &Chunk{
					Kind:         KindToolCallPartial,
					ToolCallID:   id,
					FunctionName: tc.Function.Name,
					ArgsDelta:    tc.Function.Arguments,
				}
			}

			if env.Choices[0].FinishReason == "tool_calls" {
				for idx, id := range indexIDs {
					out <- &Chunk{Kind: KindToolCallDone, ToolCallID: id}
					delete(indexIDs, idx)
				}
			}
		}

		if err := scanner.Err(); err != nil {
			out <- &Chunk{Err: err}
			return
		}
		out <- &Chunk{Kind: KindEnd}
	}()
	return out
}
