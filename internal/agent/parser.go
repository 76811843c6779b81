package agent

import (
	"encoding/json"
	"sort"

	"github.com/strandloop/strand/internal/llm"
	"github.com/strandloop/strand/pkg/models"
)

// ParsedKind tags the events the response parser produces.
type ParsedKind int

const (
	// ParsedText is an assistant text fragment.
	ParsedText ParsedKind = iota
	// ParsedToolCall is a completed tool-call structure.
	ParsedToolCall
	// ParsedStreamEnd closes a well-formed stream.
	ParsedStreamEnd
	// ParsedError terminates the stream abnormally.
	ParsedError
)

// ParsedEvent is one output of the response parser.
type ParsedEvent struct {
	Kind         ParsedKind
	Text         string
	ToolCall     *models.ToolCall
	FinishReason string
	Usage        *llm.Usage
	Err          error
}

// toolCallAccumulator assembles one tool call from streamed fragments.
type toolCallAccumulator struct {
	index int
	id    string
	name  string
	args  []byte
}

// finalize validates the accumulated call. The arguments must be a
// complete JSON document; an empty accumulator means no arguments.
func (a *toolCallAccumulator) finalize() (*models.ToolCall, error) {
	if a.name == "" {
		return nil, Errorf(ErrCodeValidation, "tool call at index %d has no name", a.index)
	}
	args := a.args
	if len(args) == 0 {
		args = []byte("{}")
	}
	if !json.Valid(args) {
		return nil, Errorf(ErrCodeValidation, "tool call %s: arguments are not valid JSON: %q", a.name, string(args))
	}
	return &models.ToolCall{ID: a.id, Name: a.name, Arguments: string(args)}, nil
}

// ParseStream is the transducer from LLM stream chunks to parsed events.
// It consumes chunks lazily and closes its output when the source closes
// or an error terminates it.
//
// Tool-call fragments are accumulated by index; an accumulator is
// finalized when the stream finishes or ends. Malformed argument JSON or
// a nameless accumulator yields a ParsedError and stops consumption.
func ParseStream(chunks <-chan *llm.StreamChunk) <-chan ParsedEvent {
	out := make(chan ParsedEvent)
	go func() {
		defer close(out)

		accs := make(map[int]*toolCallAccumulator)
		finish := ""
		var usage *llm.Usage

		flush := func() bool {
			indexes := make([]int, 0, len(accs))
			for i := range accs {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				call, err := accs[i].finalize()
				if err != nil {
					out <- ParsedEvent{Kind: ParsedError, Err: err}
					return false
				}
				out <- ParsedEvent{Kind: ParsedToolCall, ToolCall: call}
			}
			accs = make(map[int]*toolCallAccumulator)
			return true
		}

		for chunk := range chunks {
			if chunk.Err != nil {
				out <- ParsedEvent{Kind: ParsedError, Err: NewError(ErrCodeLLM, "llm stream failed", chunk.Err)}
				return
			}
			if chunk.Content != "" {
				out <- ParsedEvent{Kind: ParsedText, Text: chunk.Content}
			}
			for _, delta := range chunk.ToolCalls {
				acc := accs[delta.Index]
				if acc == nil {
					acc = &toolCallAccumulator{index: delta.Index}
					accs[delta.Index] = acc
				}
				if delta.ID != "" {
					acc.id = delta.ID
				}
				if delta.Name != "" {
					acc.name = delta.Name
				}
				if delta.Arguments != "" {
					acc.args = append(acc.args, delta.Arguments...)
				}
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
				if !flush() {
					return
				}
			}
		}

		// End of stream with accumulators still open: the provider never
		// sent a finish for them.
		if len(accs) > 0 && !flush() {
			return
		}
		out <- ParsedEvent{Kind: ParsedStreamEnd, FinishReason: finish, Usage: usage}
	}()
	return out
}

// ParseCompletion decomposes a non-streaming result into the same event
// sequence, so the loop has a single consumption path.
func ParseCompletion(c *llm.Completion) <-chan ParsedEvent {
	out := make(chan ParsedEvent)
	go func() {
		defer close(out)
		if c.Content != "" {
			out <- ParsedEvent{Kind: ParsedText, Text: c.Content}
		}
		for i := range c.ToolCalls {
			call := c.ToolCalls[i]
			if call.Name == "" {
				out <- ParsedEvent{Kind: ParsedError, Err: Errorf(ErrCodeValidation, "tool call %s has no name", call.ID)}
				return
			}
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			if !json.Valid([]byte(call.Arguments)) {
				out <- ParsedEvent{Kind: ParsedError, Err: Errorf(ErrCodeValidation, "tool call %s: arguments are not valid JSON", call.Name)}
				return
			}
			out <- ParsedEvent{Kind: ParsedToolCall, ToolCall: &call}
		}
		usage := c.Usage
		out <- ParsedEvent{Kind: ParsedStreamEnd, FinishReason: c.FinishReason, Usage: &usage}
	}()
	return out
}
