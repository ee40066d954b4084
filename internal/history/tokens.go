package history

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"x402chat/internal/types"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the prompt size of msgs with cl100k_base.
// Text, reasoning and tool payloads all count. Returns 0 if the codec is
// unavailable.
func EstimateTokens(msgs []types.Message) int {
	c, err := getCodec()
	if err != nil {
		return 0
	}

	total := 0
	for _, m := range msgs {
		for _, p := range m.Parts {
			for _, s := range []string{p.Text, string(p.Input), string(p.Output)} {
				if s == "" {
					continue
				}
				ids, _, err := c.Encode(s)
				if err != nil {
					continue
				}
				total += len(ids)
			}
		}
	}
	return total
}
