// Package tokenizer splits long text into model-sized token windows.
package tokenizer

import "fmt"

// Codec converts text to token ids and back.
type Codec interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

const (
	EncodingCL100K = "cl100k_base"
	EncodingWords  = "words"
)

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", EncodingCL100K:
		return NewBPE(EncodingCL100K)
	case EncodingWords:
		return NewWordCodec(), nil
	default:
		return nil, fmt.Errorf("unknown encoding %q (supported: %s, %s)", name, EncodingCL100K, EncodingWords)
	}
}
