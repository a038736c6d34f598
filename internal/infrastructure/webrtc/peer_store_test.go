package webrtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vigilnet/internal/core/domain"
	"vigilnet/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTransport struct {
	closes atomic.Int32
	err    error
}

func (c *countingTransport) Close() error {
	c.closes.Add(1)
	return c.err
}

type countingTask struct {
	aborts atomic.Int32
}

func (c *countingTask) Abort() { c.aborts.Add(1) }

func newRuntime(t *testing.T, id domain.PeerID) (*domain.PeerRuntime, *countingTransport, *countingTask) {
	t.Helper()
	transport, task := &countingTransport{}, &countingTask{}
	rt, err := domain.NewPeerRuntime(id, "cam-1", transport, task, 40000, time.Now())
	require.NoError(t, err)
	return rt, transport, task
}

func TestPeerStore_InsertRejectsDuplicates(t *testing.T) {
	store := NewPeerStore(logger.Nop())
	first, firstTransport, _ := newRuntime(t, "peer-1")
	second, _, _ := newRuntime(t, "peer-1")

	require.NoError(t, store.Insert(first))
	assert.ErrorIs(t, store.Insert(second), domain.ErrPeerExists)
	assert.Equal(t, 1, store.Count())

	removed, ok := store.Remove("peer-1")
	require.True(t, ok)
	assert.Same(t, first, removed, "the original runtime survives a rejected duplicate")
	assert.Equal(t, int32(1), firstTransport.closes.Load())

	assert.ErrorIs(t, store.Insert(&domain.PeerRuntime{PeerID: "half"}), domain.ErrIncompletePeer)
}

func TestPeerStore_ConcurrentDuplicateInsertWinsOnce(t *testing.T) {
	const racers = 64
	store := NewPeerStore(logger.Nop())

	runtimes := make([]*domain.PeerRuntime, racers)
	for i := range runtimes {
		runtimes[i], _, _ = newRuntime(t, "peer-1")
	}

	var wg sync.WaitGroup
	var inserted, rejected atomic.Int32
	var other atomic.Value
	start := make(chan struct{})
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *domain.PeerRuntime) {
			defer wg.Done()
			<-start
			err := store.Insert(rt)
			switch {
			case err == nil:
				inserted.Add(1)
			case errors.Is(err, domain.ErrPeerExists):
				rejected.Add(1)
			default:
				other.Store(err)
			}
		}(rt)
	}
	close(start)
	wg.Wait()

	assert.Nil(t, other.Load())
	assert.Equal(t, int32(1), inserted.Load())
	assert.Equal(t, int32(racers-1), rejected.Load())
	assert.Equal(t, 1, store.Count())
	assert.True(t, store.Contains("peer-1"))
}

func TestPeerStore_RemoveIsIdempotent(t *testing.T) {
	store := NewPeerStore(logger.Nop())
	rt, transport, task := newRuntime(t, "peer-1")
	require.NoError(t, store.Insert(rt))

	_, ok := store.Remove("peer-1")
	assert.True(t, ok)
	_, ok = store.Remove("peer-1")
	assert.False(t, ok)

	assert.False(t, store.Contains("peer-1"))
	assert.Equal(t, int32(1), transport.closes.Load())
	assert.Equal(t, int32(1), task.aborts.Load())
}

func TestPeerStore_ConcurrentRemoveClosesOnce(t *testing.T) {
	store := NewPeerStore(logger.Nop())
	rt, transport, task := newRuntime(t, "peer-1")
	require.NoError(t, store.Insert(rt))

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := store.Remove("peer-1"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(1), transport.closes.Load())
	assert.Equal(t, int32(1), task.aborts.Load())
}

func TestPeerStore_CloseFailureIsNotPropagated(t *testing.T) {
	store := NewPeerStore(logger.Nop())
	rt, transport, task := newRuntime(t, "peer-1")
	transport.err = errors.New("dtls: already closed")
	require.NoError(t, store.Insert(rt))

	_, ok := store.Remove("peer-1")
	assert.True(t, ok)
	assert.Equal(t, int32(1), task.aborts.Load())
	assert.Equal(t, 0, store.Count())
}

func TestPeerStore_ConcurrentInsertAndCleanup(t *testing.T) {
	store := NewPeerStore(logger.Nop())

	const n = 100
	transports := make([]*countingTransport, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		rt, transport, _ := newRuntime(t, domain.PeerID(fmt.Sprintf("peer-%d", i)))
		transports[i] = transport
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Insert(rt))
		}()
	}
	wg.Wait()
	assert.Equal(t, n, store.Count())
	assert.True(t, store.Contains("peer-42"))

	assert.Equal(t, n, store.CleanupAll())
	assert.Equal(t, 0, store.Count())
	for _, tr := range transports {
		assert.Equal(t, int32(1), tr.closes.Load())
	}
	assert.Equal(t, 0, store.CleanupAll())
}
