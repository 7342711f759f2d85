package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferAppendRetrieve(t *testing.T) {
	b := NewBuffer()
	require.Equal(t, 0, b.ReadableBytes())
	require.Equal(t, kCheapPrepend, b.PrependableBytes())

	b.Append([]byte("hello"))
	require.Equal(t, 5, b.ReadableBytes())
	require.Equal(t, "hello", string(b.Peek()))

	b.Retrieve(2)
	require.Equal(t, 3, b.ReadableBytes())
	require.Equal(t, "llo", string(b.Peek()))
}

func TestBufferRetrieveAsString(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abcdef"))
	s := b.RetrieveAsString(3)
	require.Equal(t, "abc", s)
	require.Equal(t, "def", string(b.Peek()))
}

func TestBufferRetrieveAllAsStringResetsPrepend(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abcdef"))
	require.Equal(t, "abcdef", b.RetrieveAllAsString())
	require.Equal(t, 0, b.ReadableBytes())
	require.Equal(t, kCheapPrepend, b.PrependableBytes())
}

func TestBufferRetrieveBeyondReadableResetsAll(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("abc"))
	b.Retrieve(100)
	require.Equal(t, 0, b.ReadableBytes())
	require.Equal(t, kCheapPrepend, b.PrependableBytes())
}

func TestBufferGrowthReclaimsPrependSpaceBeforeGrowing(t *testing.T) {
	b := NewBufferSize(16)
	b.Append(make([]byte, 16))
	b.Retrieve(10)
	before := len(b.buf)

	// 6 readable bytes remain; writable is 0. There is plenty of room to
	// reclaim by shifting rather than growing the backing array.
	b.Append(make([]byte, 4))
	require.Equal(t, before, len(b.buf))
	require.Equal(t, kCheapPrepend, b.PrependableBytes())
}

func TestBufferGrowthExpandsWhenReclaimIsNotEnough(t *testing.T) {
	b := NewBufferSize(16)
	b.Append(make([]byte, 16))
	// Nothing retrieved: reclaiming buys nothing, so appending more must
	// grow the backing array.
	b.Append(make([]byte, 100))
	require.Equal(t, 116, b.ReadableBytes())
	require.GreaterOrEqual(t, len(b.buf), kCheapPrepend+116)
}

func TestBufferSequenceInvariant(t *testing.T) {
	b := NewBuffer()
	var appended, retrieved []byte

	chunks := [][]byte{[]byte("foo"), []byte("barbaz"), []byte("1234567890")}
	for _, c := range chunks {
		b.Append(c)
		appended = append(appended, c...)
	}

	take := func(n int) {
		s := b.RetrieveAsString(n)
		retrieved = append(retrieved, s...)
	}
	take(2)
	take(5)
	take(3)

	require.Equal(t, len(appended)-len(retrieved), b.ReadableBytes())
	require.Equal(t, appended[:len(retrieved)], retrieved)
}
