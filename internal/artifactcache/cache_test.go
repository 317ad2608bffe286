package artifactcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEvictsOldest(t *testing.T) {
	c := New(2)
	c.Add("a", []byte("1"))
	c.Add("b", []byte("2"))
	_, _ = c.Get("a")
	c.Add("c", []byte("3"))

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(got))
	assert.Equal(t, 2, c.Len())
}

func TestAddKeepsFirstValue(t *testing.T) {
	c := New(4)
	first := c.Add("k", []byte("first"))
	second := c.Add("k", []byte("second"))
	assert.Equal(t, "first", string(first))
	assert.Equal(t, "first", string(second))
}

func TestAddCopiesInput(t *testing.T) {
	c := New(4)
	buf := []byte("abc")
	c.Add("k", buf)
	buf[0] = 'z'
	got, _ := c.Get("k")
	assert.Equal(t, "abc", string(got))
}

func TestGetOrGenerateCollapsesConcurrentCalls(t *testing.T) {
	c := New(4)
	var calls int32
	release := make(chan struct{})
	gen := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("doc"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := c.GetOrGenerate(context.Background(), "item", gen)
			assert.NoError(t, err)
			assert.Equal(t, "doc", string(data))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, hit, err := c.GetOrGenerate(context.Background(), "item", gen)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestGetOrGenerateDoesNotCacheFailures(t *testing.T) {
	c := New(4)
	_, _, err := c.GetOrGenerate(context.Background(), "bad", func(context.Context) ([]byte, error) {
		return nil, errors.New("render failed")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}
