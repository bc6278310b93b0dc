package objectstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutEmptyContent(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	hash, size, err := s.Put(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hash)
}

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("hello dependency cache")
	hash, size, err := s.Put(context.Background(), bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)

	exists, err := s.Exists(hash)
	require.NoError(t, err)
	require.True(t, exists)

	r, err := s.Get(context.Background(), hash)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoError(t, s.Verify(context.Background(), hash))
}

func TestPutIsIdempotentUnderConcurrency(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := strings.Repeat("x", 10*1024)

	var wg sync.WaitGroup
	hashes := make([]string, 20)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := s.Put(context.Background(), strings.NewReader(content))
			require.NoError(t, err)
			hashes[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range hashes {
		require.Equal(t, hashes[0], h)
	}
	require.NoError(t, s.Verify(context.Background(), hashes[0]))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "deadbeef")
	require.Error(t, err)
}
