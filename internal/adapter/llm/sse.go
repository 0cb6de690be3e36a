package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"cadence-ai/internal/domain"
)

// streamDelta is one parsed SSE chunk, before tool-call assembly. Exactly
// one of Done and Err is set on the final delta: Done for a clean
// termination, Err when the stream broke before one.
type streamDelta struct {
	Content   string
	ToolCalls []deltaToolCall
	Usage     *domain.Usage
	Done      bool
	Err       error
}

// deltaToolCall is a possibly partial tool-call fragment. OpenAI-compatible
// APIs stream arguments in pieces keyed by Index.
type deltaToolCall struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into a streamDelta using the provider-specific parseLine function.
// The returned channel is closed when the stream ends, the body is closed, or
// ctx is cancelled.
func parseSSEStream(ctx context.Context, body io.ReadCloser, parseLine func(data []byte) (*streamDelta, error)) <-chan streamDelta {
	ch := make(chan streamDelta, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Skip empty lines and comments.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			// We only care about "data: ..." lines.
			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			// Common termination signal.
			if bytes.Equal(data, []byte("[DONE]")) {
				ch <- streamDelta{Done: true}
				return
			}

			delta, err := parseLine(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			if delta == nil {
				continue
			}

			select {
			case ch <- *delta:
			case <-ctx.Done():
				return
			}

			if delta.Done {
				return
			}
		}
		// The loop only falls through when the stream ended without a
		// [DONE] sentinel or a finish_reason: either the read failed or
		// the connection closed mid-response. Both leave the response
		// incomplete, so surface an error delta rather than Done.
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		select {
		case ch <- streamDelta{Err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}
