package tokenize

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tiktoken adapts a tiktoken BPE encoding to Encoder.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding (e.g. "cl100k_base"). Loading may
// fetch the BPE ranks on first use.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("init tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, enc: enc}, nil
}

func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tiktoken) CountTokens(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string { return "tiktoken/" + t.encoding }
