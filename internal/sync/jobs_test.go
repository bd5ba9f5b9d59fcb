package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestJobRegistry_ReplaceWaitsForPrevious(t *testing.T) {
	r := newJobRegistry()
	key := FolderKey("acc", "inbox")

	ctx, first, prev := r.register(context.Background(), key, nil)
	assert.True(t, isClosed(prev))

	_, second, prev := r.register(context.Background(), key, nil)
	assert.Error(t, ctx.Err())
	assert.False(t, isClosed(prev))

	close(first.done)
	assert.True(t, isClosed(prev))

	assert.False(t, r.settle(key, first, nil))
	assert.True(t, r.settle(key, second, nil))
	assert.Zero(t, r.count())
}

func TestJobRegistry_LaunchAfterCancelWaitsForExit(t *testing.T) {
	r := newJobRegistry()
	key := AccountKey("acc")
	other := AccountKey("other")

	ctx, first, _ := r.register(context.Background(), key, nil)
	_, _, _ = r.register(context.Background(), other, nil)

	var canceled []JobKey
	r.cancelWhere(func(k JobKey) bool { return k.AccountID == "acc" }, func(k JobKey, _ *job) {
		canceled = append(canceled, k)
	})
	assert.Equal(t, []JobKey{key}, canceled)
	assert.Error(t, ctx.Err())
	assert.False(t, r.active(key))
	assert.True(t, r.active(other))

	_, next, prev := r.register(context.Background(), key, nil)
	assert.False(t, isClosed(prev), "relaunch must wait for the canceled job")

	close(first.done)
	assert.True(t, isClosed(prev))
	assert.True(t, r.settle(key, next, nil))
}

func TestJobRegistry_ExitedCancellationIsForgotten(t *testing.T) {
	r := newJobRegistry()
	key := AccountKey("acc")

	_, first, _ := r.register(context.Background(), key, nil)
	r.cancelWhere(func(JobKey) bool { return true }, nil)
	close(first.done)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.exiting[key]
		return !ok
	}, time.Second, time.Millisecond)

	_, _, prev := r.register(context.Background(), key, nil)
	assert.True(t, isClosed(prev))
}
