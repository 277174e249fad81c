package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestSplit_EmptyInput_ReturnsNoChunks(t *testing.T) {
	chunks, err := Split("", 2000, NewWordCodec())
	require.NoError(t, err)
	require.Empty(t, chunks)

	chunks, err = Split("  \n\t ", 2000, NewWordCodec())
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestSplit_ShortText_SingleChunk(t *testing.T) {
	chunks, err := Split("hello there world", 2000, NewWordCodec())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, 0, chunks[0].Index)
	require.Equal(t, "hello there world", chunks[0].Text)
}

func TestSplit_ChunkCountIsCeil(t *testing.T) {
	cases := []struct{ tokens, max, want int }{
		{5000, 2000, 3},
		{4000, 2000, 2},
		{1, 2000, 1},
		{7, 1, 7},
		{10, 3, 4},
	}
	for _, c := range cases {
		chunks, err := Split(words(c.tokens), c.max, NewWordCodec())
		require.NoError(t, err)
		require.Len(t, chunks, c.want, "tokens=%d max=%d", c.tokens, c.max)
		require.Equal(t, c.want, ChunkCount(c.tokens, c.max))
	}
	require.Equal(t, 0, ChunkCount(0, 2000))
}

func TestSplit_ConcatenationRebuildsEncoding(t *testing.T) {
	codec := NewWordCodec()
	text := words(1234) + " repeated repeated words words"
	full, err := codec.Encode(text)
	require.NoError(t, err)

	for _, max := range []int{1, 7, 100, 1233, 1238, 5000} {
		chunks, err := Split(text, max, codec)
		require.NoError(t, err)

		var joined []int
		for i, c := range chunks {
			require.Equal(t, i, c.Index)
			require.LessOrEqual(t, len(c.TokenIDs), max)
			require.NotEmpty(t, c.TokenIDs)
			joined = append(joined, c.TokenIDs...)
		}
		require.Equal(t, full, joined, "max=%d", max)
	}
}

func TestSplit_LastWindowShorter(t *testing.T) {
	chunks, err := Split(words(5000), 2000, NewWordCodec())
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0].TokenIDs, 2000)
	require.Len(t, chunks[1].TokenIDs, 2000)
	require.Len(t, chunks[2].TokenIDs, 1000)
	require.True(t, strings.HasPrefix(chunks[1].Text, "w2000 "))
}

func TestSplit_InvalidMax(t *testing.T) {
	_, err := Split("a b c", 0, NewWordCodec())
	require.Error(t, err)
	_, err = Split("a b c", -5, NewWordCodec())
	require.Error(t, err)
}

type brokenCodec struct {
	encodeErr error
	failAt    int // decode call index that fails, -1 for never
	calls     int
}

func (b *brokenCodec) Encode(text string) ([]int, error) {
	if b.encodeErr != nil {
		return nil, b.encodeErr
	}
	return []int{1, 2, 3, 4, 5}, nil
}

func (b *brokenCodec) Decode(ids []int) (string, error) {
	defer func() { b.calls++ }()
	if b.calls == b.failAt {
		return "", errors.New("bad state")
	}
	return "ok", nil
}

func TestSplit_EncodeFailure_NoPartialResult(t *testing.T) {
	chunks, err := Split("x", 2, &brokenCodec{encodeErr: errors.New("boom"), failAt: -1})
	require.Error(t, err)
	require.Nil(t, chunks)
}

func TestSplit_DecodeFailure_NoPartialResult(t *testing.T) {
	chunks, err := Split("x", 2, &brokenCodec{failAt: 1})
	require.Error(t, err)
	require.Nil(t, chunks)
}

func TestWordCodec_RoundTrip(t *testing.T) {
	codec := NewWordCodec()
	ids, err := codec.Encode("the cat and the hat")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 0, 3}, ids)

	text, err := codec.Decode(ids)
	require.NoError(t, err)
	require.Equal(t, "the cat and the hat", text)

	_, err = codec.Decode([]int{99})
	require.Error(t, err)
}

func TestNewCodec_Unknown(t *testing.T) {
	_, err := NewCodec("p50k_nope")
	require.Error(t, err)

	c, err := NewCodec(EncodingWords)
	require.NoError(t, err)
	require.IsType(t, &WordCodec{}, c)
}

func TestCount(t *testing.T) {
	n, err := Count(words(42), NewWordCodec())
	require.NoError(t, err)
	require.Equal(t, 42, n)
}
