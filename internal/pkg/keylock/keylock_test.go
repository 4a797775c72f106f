package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	s := New[uint]()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock(1)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, s.Len())
}

func TestTryLock(t *testing.T) {
	s := New[string]()
	unlock, ok := s.TryLock("BTC")
	assert.True(t, ok)
	_, ok = s.TryLock("BTC")
	assert.False(t, ok)
	other, ok := s.TryLock("ETH")
	assert.True(t, ok)
	other()
	unlock()
	again, ok := s.TryLock("BTC")
	assert.True(t, ok)
	again()
	assert.Equal(t, 0, s.Len())
}
