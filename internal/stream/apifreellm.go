package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

type apifreellmResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Message  string `json:"message"`
}

// MinRequestGap is the minimum interval CloudDispatcher must enforce
// between successive apifreellm requests, per §4.4.
const MinRequestGap = 5 * time.Second

// wordChunkDelay paces synthesized word chunks so a non-streaming response
// still animates in the UI the way a real token stream would.
const wordChunkDelay = 30 * time.Millisecond

// DecodeAPIFreeLLM synthesizes a word-by-word text stream from apifreellm's
// single non-streaming `{success, response}` body, for UI continuity with
// the other (genuinely streaming) dialects, per §4.4.
func DecodeAPIFreeLLM(ctx context.Context, body io.ReadCloser) <-chan *Chunk {
	out := make(chan *Chunk)
	go func() {
		defer close(out)
		defer body.Close()

		raw, err := io.ReadAll(io.LimitReader(body, 4<<20))
		if err != nil {
			out <- &Chunk{Err: err}
			return
		}

		var resp apifreellmResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			out <- &Chunk{Err: err}
			return
		}
		if !resp.Success {
			msg := resp.Message
			if msg == "" {
				msg = "apifreellm request failed"
			}
			out <- &Chunk{Err: newAPIFreeLLMError(msg)}
			return
		}

		words := strings.Fields(resp.Response)
		for i, w := range words {
			select {
			case <-ctx.Done():
				out <- &Chunk{Err: ctx.Err()}
				return
			default:
			}

			text := w
			if i < len(words)-1 {
				text += " "
			}
			out <- &Chunk{Kind: KindText, Text: text}

			if i < len(words)-1 {
				select {
				case <-ctx.Done():
					out <- &Chunk{Err: ctx.Err()}
					return
				case <-time.After(wordChunkDelay):
				}
			}
		}
		out <- &Chunk{Kind: KindEnd}
	}()
	return out
}

type apiFreeLLMError struct{ msg string }

func newAPIFreeLLMError(msg string) error { return &apiFreeLLMError{msg: msg} }
func (e *apiFreeLLMError) Error() string  { return e.msg }
