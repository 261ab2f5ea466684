package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/studyroom/internal/media"
	"github.com/mossy-p/studyroom/internal/peer"
	"github.com/mossy-p/studyroom/internal/signaling"
)

func TestPionCall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping pion call in short mode")
	}

	ctx := context.Background()
	mem := signaling.NewMemory()
	connections := PeerConnections(peer.Config{
		ICEServers: []string{"stun:127.0.0.1:3478"},
		Logger:     discardLogger,
	})

	newPionPeer := func() *Orchestrator {
		o, err := New(Options{
			Channel:       mem,
			Capturer:      &media.Synthetic{Logger: discardLogger},
			NewConnection: connections,
			Logger:        discardLogger,
		})
		require.NoError(t, err)
		t.Cleanup(o.Hangup)
		return o
	}
	caller := newPionPeer()
	callee := newPionPeer()

	require.NoError(t, caller.AcquireLocalMedia(ctx, audioVideo))
	require.NoError(t, callee.AcquireLocalMedia(ctx, audioVideo))
	callID, err := caller.CreateCall(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.AnswerCall(ctx, callID))

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	require.NoError(t, caller.WaitForState(waitCtx, Connected))
	require.NoError(t, callee.WaitForState(waitCtx, Connected))

	// Tracks arrive one by one, Connected only needs the first
	require.Eventually(t, func() bool {
		return caller.RemoteStream().Len() == 2 && callee.RemoteStream().Len() == 2
	}, 20*time.Second, 50*time.Millisecond)
	assert.ElementsMatch(t, callee.LocalStream().TrackIDs(), caller.RemoteStream().TrackIDs())
	assert.ElementsMatch(t, caller.LocalStream().TrackIDs(), callee.RemoteStream().TrackIDs())

	caller.Hangup()
	callee.Hangup()
	assert.Zero(t, mem.Subscribers())
}
