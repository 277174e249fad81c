package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var loaderOnce sync.Once

// BPE is a byte-pair codec backed by tiktoken. Ranks are embedded, so
// construction never touches the network.
type BPE struct {
	enc *tiktoken.Tiktoken
}

func NewBPE(encoding string) (*BPE, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &BPE{enc: enc}, nil
}

// Encode ignores special tokens, the way a scraped page should be read.
func (b *BPE) Encode(text string) ([]int, error) {
	return b.enc.EncodeOrdinary(text), nil
}

// Decode may return text that ends mid-rune when ids split a multi-byte
// sequence.
func (b *BPE) Decode(ids []int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode: %v", r)
		}
	}()
	return b.enc.Decode(ids), nil
}
