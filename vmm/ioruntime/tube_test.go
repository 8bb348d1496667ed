package ioruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type resizeMsg struct{ NewSize uint64 }

func TestTubeSendNext(t *testing.T) {
	a, b := NewTubePair[resizeMsg]()
	ctx := context.Background()

	go func() {
		_ = a.Send(ctx, resizeMsg{NewSize: 0x2000})
	}()

	msg, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), msg.NewSize)
}

func TestTubeClosePropagates(t *testing.T) {
	a, b := NewTubePair[resizeMsg]()
	a.Close()

	_, err := b.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	err = a.Send(context.Background(), resizeMsg{})
	require.Error(t, err)
}

func TestTubeSendContextTimeout(t *testing.T) {
	a, _ := NewTubePair[resizeMsg]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := a.Send(ctx, resizeMsg{})
	require.Error(t, err)
}
