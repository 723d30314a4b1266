package syncer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := NewKeyLock()
	const workers = 20
	const iterations = 100

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				kl.Lock("country#FR")
				counter++
				kl.Unlock("country#FR")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*iterations, counter)
}

func TestKeyLock_IndependentKeysDoNotBlock(t *testing.T) {
	kl := NewKeyLock()
	kl.Lock("country#FR")
	defer kl.Unlock("country#FR")

	done := make(chan struct{})
	go func() {
		kl.Lock("country#DE")
		kl.Unlock("country#DE")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}
