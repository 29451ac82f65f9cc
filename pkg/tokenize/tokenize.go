// Package tokenize turns a batch of strings into the padded id matrix and
// attention mask a sequence-classification model consumes.
package tokenize

import (
	"errors"
	"fmt"

	"github.com/kunal/infer-batcher/pkg/tensor"
)

const (
	DefaultPaddingID      = 0
	DefaultMaxTokenLength = 512
)

// ErrInvalidConfig is returned for unusable tokenizer options.
var ErrInvalidConfig = errors.New("tokenize: invalid config")

// Encoder is the vocabulary-specific part of tokenization. Implementations
// must be pure for a fixed vocabulary so they can be shared across goroutines.
type Encoder interface {
	Encode(text string) []int
	CountTokens(text string) int
}

// Options control padding and truncation.
type Options struct {
	PaddingID      int64
	MaxTokenLength int
}

// DefaultOptions returns padding id 0 and a 512 token ceiling.
func DefaultOptions() Options {
	return Options{PaddingID: DefaultPaddingID, MaxTokenLength: DefaultMaxTokenLength}
}

// Batch is a tokenized batch. IDs and Mask share the shape
// [batch size, longest row in this batch].
type Batch struct {
	IDs     tensor.Tensor[int64]
	Mask    tensor.Tensor[int64]
	Lengths []int
}

func (b Batch) Size() int { return len(b.Lengths) }

// Width is the padded row length.
func (b Batch) Width() int {
	if len(b.IDs.Shape()) < 2 {
		return 0
	}
	return int(b.IDs.Shape()[1])
}

// Tokenizer pads and truncates encoder output into rectangular batches.
type Tokenizer struct {
	enc  Encoder
	opts Options
}

func New(enc Encoder, opts Options) (*Tokenizer, error) {
	if enc == nil {
		return nil, fmt.Errorf("%w: nil encoder", ErrInvalidConfig)
	}
	if opts.MaxTokenLength <= 0 {
		return nil, fmt.Errorf("%w: max token length must be positive, got %d", ErrInvalidConfig, opts.MaxTokenLength)
	}
	return &Tokenizer{enc: enc, opts: opts}, nil
}

// CountTokens reports the length a text would occupy in a batch row.
func (t *Tokenizer) CountTokens(text string) int {
	return min(t.enc.CountTokens(text), t.opts.MaxTokenLength)
}

// EncodeBatch encodes texts into a batch padded to the longest row it contains.
// Inputs longer than MaxTokenLength are truncated.
func (t *Tokenizer) EncodeBatch(texts []string) Batch {
	rows := make([][]int, len(texts))
	lengths := make([]int, len(texts))
	width := 0
	for i, text := range texts {
		ids := t.enc.Encode(text)
		if len(ids) > t.opts.MaxTokenLength {
			ids = ids[:t.opts.MaxTokenLength]
		}
		rows[i] = ids
		lengths[i] = len(ids)
		width = max(width, len(ids))
	}

	shape := tensor.Shape{int64(len(texts)), int64(width)}
	ids := tensor.Zeros[int64](shape)
	mask := tensor.Zeros[int64](shape)
	for i, row := range rows {
		idRow := ids.MustRow(i)
		maskRow := mask.MustRow(i)
		for j, id := range row {
			idRow[j] = int64(id)
			maskRow[j] = 1
		}
		if t.opts.PaddingID != 0 {
			for j := len(row); j < width; j++ {
				idRow[j] = t.opts.PaddingID
			}
		}
	}

	return Batch{IDs: ids, Mask: mask, Lengths: lengths}
}
