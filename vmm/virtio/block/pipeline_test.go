package block

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvmgo/vmm/vmm/ioruntime"
	"github.com/kvmgo/vmm/vmm/virtio/block/virtq"
	"github.com/kvmgo/vmm/vmm/vlog"
)

var testLogger = vlog.New(false)

func TestHandleQueueProcessesEnqueuedChains(t *testing.T) {
	fd := newFakeDisk(4096)
	diskState, err := NewDiskState(context.Background(), fd, false)
	require.NoError(t, err)
	shared := NewWorkerSharedState(0)
	queue := virtq.NewQueue()
	notify := ioruntime.NewEvent()

	var interruptCount int
	interrupt := func() { interruptCount++ }

	queue.Enqueue(virtq.NewRequestChain(1, headerBytes(ReqFlush, 0), 0))
	queue.Enqueue(virtq.NewRequestChain(2, headerBytes(ReqFlush, 0), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	notify.Signal()

	done := make(chan error, 1)
	go func() {
		done <- handleQueue(ctx, notify, queue, diskState, shared, "", interrupt, testLogger)
	}()

	require.Eventually(t, func() bool {
		return fd.fsyncCalls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHandleQueueStopsOnClosedNotify(t *testing.T) {
	fd := newFakeDisk(4096)
	diskState, err := NewDiskState(context.Background(), fd, false)
	require.NoError(t, err)
	shared := NewWorkerSharedState(0)
	queue := virtq.NewQueue()
	notify := ioruntime.NewEvent()
	notify.Close()

	err = handleQueue(context.Background(), notify, queue, diskState, shared, "", func() {}, testLogger)
	require.ErrorIs(t, err, ioruntime.ErrClosed)
}
