package connectivity

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_OfflineAfterThreshold(t *testing.T) {
	tr := New(0, zerolog.Nop())
	assert.True(t, tr.Online())

	tr.RecordFailure(errors.New("dial tcp: refused"))
	assert.True(t, tr.Online(), "one failure is not enough")

	tr.RecordFailure(errors.New("dial tcp: refused"))
	assert.False(t, tr.Online())

	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "dial tcp: refused", snap.LastError)
}

func TestTracker_SuccessResets(t *testing.T) {
	tr := New(2, zerolog.Nop())
	tr.RecordFailure(nil)
	tr.RecordSuccess()
	tr.RecordFailure(nil)
	assert.True(t, tr.Online())
}

func TestTracker_OnlineHookFiresOnTransitionOnly(t *testing.T) {
	tr := New(1, zerolog.Nop())
	var online, offline atomic.Int32
	tr.OnOnline(func() { online.Add(1) })
	tr.OnOffline(func() { offline.Add(1) })

	tr.RecordSuccess()
	tr.RecordFailure(nil)
	tr.RecordFailure(nil)
	tr.RecordSuccess()
	tr.RecordSuccess()

	require.Eventually(t, func() bool { return online.Load() == 1 && offline.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), online.Load())
	assert.Equal(t, int32(1), offline.Load())
}
