package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckGlobalAllowsUpToCapacity(t *testing.T) {
	l := New(3, time.Minute, time.Hour)

	assert.True(t, l.CheckGlobal("1.1.1.1"))
	assert.True(t, l.CheckGlobal("1.1.1.1"))
	assert.True(t, l.CheckGlobal("1.1.1.1"))
	assert.False(t, l.CheckGlobal("1.1.1.1"))
}

func TestCheckGlobalIsolatesDifferentIPs(t *testing.T) {
	l := New(1, time.Minute, time.Hour)

	assert.True(t, l.CheckGlobal("1.1.1.1"))
	assert.True(t, l.CheckGlobal("2.2.2.2"))
	assert.False(t, l.CheckGlobal("1.1.1.1"))
}

func TestCheckEndpointUsesSeparateBudgetFromGlobal(t *testing.T) {
	l := New(1, time.Minute, time.Hour)

	assert.True(t, l.CheckGlobal("3.3.3.3"))
	assert.False(t, l.CheckGlobal("3.3.3.3"))

	assert.True(t, l.CheckEndpoint("3.3.3.3", "/contact", 1, time.Minute))
	assert.False(t, l.CheckEndpoint("3.3.3.3", "/contact", 1, time.Minute))
}

func TestCheckEndpointIsolatesDifferentEndpoints(t *testing.T) {
	l := New(10, time.Minute, time.Hour)

	assert.True(t, l.CheckEndpoint("4.4.4.4", "/a", 1, time.Minute))
	assert.True(t, l.CheckEndpoint("4.4.4.4", "/b", 1, time.Minute))
	assert.False(t, l.CheckEndpoint("4.4.4.4", "/a", 1, time.Minute))
}

func TestBucketRefillsOverTime(t *testing.T) {
	bucket := newBucket(1, 1000) // refills fast: 1000 tokens/sec
	assert.True(t, bucket.consume())
	assert.False(t, bucket.consume())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, bucket.consume())
}

func TestCleanupDropsStaleBuckets(t *testing.T) {
	l := New(5, time.Minute, time.Millisecond)
	l.CheckGlobal("5.5.5.5")

	time.Sleep(5 * time.Millisecond)
	l.cleanup()

	sh := l.globalShards[shardIndex("5.5.5.5")]
	sh.mu.Lock()
	_, exists := sh.buckets["5.5.5.5"]
	sh.mu.Unlock()
	assert.False(t, exists)
}

func TestStartCleanupLoopStopsOnContextCancel(t *testing.T) {
	l := New(5, time.Minute, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.StartCleanupLoop(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop after context cancel")
	}
}
