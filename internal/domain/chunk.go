package domain

// Chunk is one token window of a longer text. TokenIDs of all chunks from one
// split, concatenated in Index order, equal the full encoding of the source.
type Chunk struct {
	Index    int
	TokenIDs []int
	Text     string
}
