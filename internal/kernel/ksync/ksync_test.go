package ksync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/weenixfs/kernel/internal/kernel/ksync"
)

func TestWaitQueueWaitWokenByBroadcast(t *testing.T) {
	var q ksync.WaitQueue
	done := make(chan error, 1)

	go func() {
		done <- q.Wait(context.Background())
	}()

	time.Sleep(5 * time.Millisecond)
	q.Broadcast()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Broadcast")
	}
}

func TestWaitQueueWaitCanceledByContext(t *testing.T) {
	var q ksync.WaitQueue
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBKLAcquireRelease(t *testing.T) {
	var b ksync.BKL
	b.Acquire()

	acquired := make(chan struct{})
	go func() {
		b.Acquire()
		close(acquired)
		b.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire succeeded while lock held")
	case <-time.After(20 * time.Millisecond):
	}

	b.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire never completed after Release")
	}
}
