package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// WordCodec treats every whitespace-delimited word as one token. Ids are
// assigned on first sight and stay stable for the codec's lifetime. Decode
// joins words with a single space, so runs of whitespace are not preserved.
type WordCodec struct {
	mu    sync.RWMutex
	ids   map[string]int
	words []string
}

func NewWordCodec() *WordCodec {
	return &WordCodec{ids: make(map[string]int)}
}

func (w *WordCodec) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, nil
	}
	out := make([]int, len(fields))

	w.mu.Lock()
	defer w.mu.Unlock()
	for i, f := range fields {
		id, ok := w.ids[f]
		if !ok {
			id = len(w.words)
			w.ids[f] = id
			w.words = append(w.words, f)
		}
		out[i] = id
	}
	return out, nil
}

func (w *WordCodec) Decode(ids []int) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	parts := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(w.words) {
			return "", fmt.Errorf("unknown token id %d", id)
		}
		parts[i] = w.words[id]
	}
	return strings.Join(parts, " "), nil
}
