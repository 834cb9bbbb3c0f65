package openswe

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with a BPE encoding, falling back to a bytes/4
// estimate when the encoding cannot be loaded (e.g. offline).
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter using the cl100k_base encoding.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages sums the token counts of message contents plus a small fixed
// overhead per message for role and framing.
func (c *TokenCounter) CountMessages(msgs []Message) int {
	const perMessageOverhead = 4
	var total int
	for _, m := range msgs {
		total += c.Count(m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name) + c.Count(string(tc.Args))
		}
	}
	return total
}
