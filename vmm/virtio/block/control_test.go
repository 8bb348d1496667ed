package block

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvmgo/vmm/vmm/ioruntime"
)

func TestResizeGrowsDiskAndUpdatesCachedLen(t *testing.T) {
	fd := newFakeDisk(4096)
	diskState, err := NewDiskState(context.Background(), fd, false)
	require.NoError(t, err)
	shared := NewWorkerSharedState(0)

	var signalled int
	resp := resize(context.Background(), 8192, diskState, []*WorkerSharedState{shared}, func() { signalled++ })
	require.True(t, resp.Ok)
	require.EqualValues(t, 8192, diskState.Len())
	require.False(t, diskState.Sparse())
	require.Equal(t, 1, signalled)

	gotLen, err := fd.GetLen(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 8192, gotLen)
}

func TestResizeRejectsReadOnlyDiskWithoutSignalling(t *testing.T) {
	fd := newFakeDisk(4096)
	diskState, err := NewDiskState(context.Background(), fd, true)
	require.NoError(t, err)
	shared := NewWorkerSharedState(0)

	var signalled int
	resp := resize(context.Background(), 8192, diskState, []*WorkerSharedState{shared}, func() { signalled++ })
	require.False(t, resp.Ok)
	require.Equal(t, ErrEROFS, resp.Err)
	require.EqualValues(t, 4096, diskState.Len())
	require.Zero(t, signalled)
}

func TestHandleCommandTubeServicesResize(t *testing.T) {
	fd := newFakeDisk(4096)
	diskState, err := NewDiskState(context.Background(), fd, false)
	require.NoError(t, err)
	shared := NewWorkerSharedState(0)

	cmds, cmdsPeer := ioruntime.NewTubePair[ControlCommand]()
	resps, respsPeer := ioruntime.NewTubePair[ControlResponse]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = handleCommandTube(ctx, cmdsPeer, respsPeer, diskState, []*WorkerSharedState{shared}, nil) }()

	err = cmds.Send(ctx, ControlCommand{Resize: &ResizeCommand{NewSize: 2048}})
	require.NoError(t, err)

	resp, err := resps.Next(ctx)
	require.NoError(t, err)
	require.True(t, resp.Ok)
	require.EqualValues(t, 2048, diskState.Len())
}
