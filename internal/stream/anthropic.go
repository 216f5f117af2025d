package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

type anthropicEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// DecodeAnthropic parses Anthropic's SSE event stream, in the same
// streaming-goroutine-plus-channel idiom as DecodeOpenAI/DecodeOllamaNDJSON.
//
// content_block_start with a tool_use block opens a tool call; subsequent
// content_block_delta input_json_delta events carry argument fragments by
// block index; content_block_stop closes it. thinking_delta maps to
// KindThought; text_delta maps to KindText.
func DecodeAnthropic(ctx context.Context, body io.ReadCloser) <-chan *Chunk {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		blockIDs := map[int]string{}

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
			if payload == "" {
				continue
			}

			var ev anthropicEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "content_block_start":
				if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
					blockIDs[ev.Index] = ev.ContentBlock.ID
					out <- &Chunk{
						Kind:         KindToolCallPartial,
						ToolCallID:   ev.ContentBlock.ID,
						FunctionName: ev.ContentBlock.Name,
					}
				}
			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "thinking_delta":
					out <- &Chunk{Kind: KindThought, Text: ev.Delta.Thinking}
				case "input_json_delta":
					id := blockIDs[ev.Index]
					out <- &Chunk{Kind: KindToolCallPartial, ToolCallID: id, ArgsDelta: ev.Delta.PartialJSON}
				default:
					if ev.Delta.Text != "" {
						out <- &Chunk{Kind: KindText, Text: ev.Delta.Text}
					}
				}
			case "content_block_stop":
				if id, ok := blockIDs[ev.Index]; ok {
					out <- &Chunk{Kind: KindToolCallDone, ToolCallID: id}
					delete(blockIDs, ev.Index)
				}
			case "message_delta":
				if ev.Usage != nil {
					out <- &Chunk{Kind: KindEnd, InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
				}
			case "message_stop":
				out <- &Chunk{Kind: KindEnd}
				return
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
