package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/strandloop/strand/pkg/models"
)

// Per-message framing overhead in the chat format, plus the reply primer.
const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

var (
	encodingMu    sync.Mutex
	encodingCache = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown model ids (proxies, fine-tunes) fall back to the
		// encoding current chat models share.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	encodingCache[model] = enc
	return enc, nil
}

// CountTokens implements Client. Counts are estimates: framing overhead is
// approximated and tool-call argument text is included, but provider-side
// tool schemas are not.
func (c *OpenAIClient) CountTokens(msgs []models.Message, model string) (int, error) {
	enc, err := encodingFor(model)
	if err != nil {
		// Cheap fallback keeps the context manager working without
		// encoding data: about four bytes per token for English text.
		total := tokensPerReply
		for i := range msgs {
			total += tokensPerMessage + len(msgs[i].Content)/4
		}
		return total, nil
	}

	total := tokensPerReply
	for i := range msgs {
		msg := &msgs[i]
		total += tokensPerMessage
		total += len(enc.Encode(msg.Content, nil, nil))
		total += len(enc.Encode(string(msg.Role), nil, nil))
		for _, tc := range msg.ToolCalls() {
			total += len(enc.Encode(tc.Name, nil, nil))
			total += len(enc.Encode(tc.Arguments, nil, nil))
		}
	}
	return total, nil
}
