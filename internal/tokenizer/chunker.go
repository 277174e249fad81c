package tokenizer

import (
	"fmt"

	"relaybot/internal/domain"
)

// Split encodes text once and cuts the id sequence into consecutive windows
// of maxTokens ids; the last window may be shorter. Each window is decoded on
// its own, so a window boundary can fall inside a word.
//
// Empty text yields no chunks. Any codec failure fails the whole split.
func Split(text string, maxTokens int, codec Codec) ([]domain.Chunk, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("maxTokens must be > 0, got %d", maxTokens)
	}
	if codec == nil {
		return nil, fmt.Errorf("nil codec")
	}

	ids, err := codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	chunks := make([]domain.Chunk, 0, ChunkCount(len(ids), maxTokens))
	for start := 0; start < len(ids); start += maxTokens {
		end := min(start+maxTokens, len(ids))
		window := ids[start:end:end]

		decoded, err := codec.Decode(window)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", len(chunks), err)
		}
		chunks = append(chunks, domain.Chunk{
			Index:    len(chunks),
			TokenIDs: window,
			Text:     decoded,
		})
	}
	return chunks, nil
}

// ChunkCount is ceil(tokens / maxTokens), and 0 for no tokens.
func ChunkCount(tokens, maxTokens int) int {
	if tokens <= 0 || maxTokens <= 0 {
		return 0
	}
	return (tokens + maxTokens - 1) / maxTokens
}

// Count returns the number of tokens codec produces for text.
func Count(text string, codec Codec) (int, error) {
	ids, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
