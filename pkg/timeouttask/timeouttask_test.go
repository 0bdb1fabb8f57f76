package timeouttask

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpiryFires(t *testing.T) {
	task := New()
	defer task.Stop()

	var fired int32
	task.Register(time.Now().Add(20*time.Millisecond), func() {
		atomic.StoreInt32(&fired, 1)
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCancelPreventsExpiry(t *testing.T) {
	task := New()
	defer task.Stop()

	var fired int32
	id := task.Register(time.Now().Add(20*time.Millisecond), func() {
		atomic.StoreInt32(&fired, 1)
	})
	task.Cancel(id)

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}
