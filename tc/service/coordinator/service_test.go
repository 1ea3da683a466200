package coordinator

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ikenchina/sagastream/tc/app/manager"
)

func TestStopDrainsAdmittedRequests(t *testing.T) {
	for round := 0; round < 20; round++ {
		cs := NewCoordinatorService(nil, nil, nil, 0)
		require.False(t, cs.acquire())
		require.Nil(t, cs.Start())

		var inflight int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for cs.acquire() {
					atomic.AddInt32(&inflight, 1)
					time.Sleep(time.Microsecond)
					atomic.AddInt32(&inflight, -1)
					cs.wait.Done()
				}
			}()
		}
		time.Sleep(time.Millisecond)
		require.Nil(t, cs.Stop())
		// admitted requests finished before Stop returned
		require.Equal(t, int32(0), atomic.LoadInt32(&inflight))
		require.False(t, cs.acquire())
		wg.Wait()
	}
}

func TestToHttpStatusCode(t *testing.T) {
	require.Equal(t, http.StatusOK, toHttpStatusCode(nil))
	require.Equal(t, http.StatusServiceUnavailable, toHttpStatusCode(ErrServiceClosed))
	require.Equal(t, http.StatusNotFound, toHttpStatusCode(manager.ErrNotStarted))
	require.Equal(t, http.StatusForbidden, toHttpStatusCode(manager.ErrAlreadyCommitted))
}
