package call

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

func remoteCandidate(i int) models.Candidate {
	return models.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.2 %d typ host", i, 7000+i)}
}

func TestRelayBuffersUntilRemoteDescription(t *testing.T) {
	conn := newFakeNetwork(0).open()
	_, err := conn.CreateOffer()
	require.NoError(t, err)

	r := newRelay(signaling.NewMemory(), conn, "abc123", models.RoleCaller, discardLogger)
	for i := 0; i < 3; i++ {
		r.accept(remoteCandidate(i))
	}
	added, buffered := r.stats()
	assert.Zero(t, added)
	assert.Equal(t, 3, buffered)
	assert.Empty(t, conn.addedCandidates())

	answer := models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake answer conn-x"}
	applied, err := r.applyRemote(answer)
	require.NoError(t, err)
	assert.True(t, applied)

	r.accept(remoteCandidate(3))

	// Applying again is a no-op and does not reach the connection
	applied, err = r.applyRemote(answer)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, conn.remoteDescriptionCalls())

	want := []models.Candidate{remoteCandidate(0), remoteCandidate(1), remoteCandidate(2), remoteCandidate(3)}
	assert.Equal(t, want, conn.addedCandidates())
	added, buffered = r.stats()
	assert.Equal(t, 4, added)
	assert.Zero(t, buffered)
}

func TestRelayPublishesLocalCandidates(t *testing.T) {
	ctx := context.Background()
	mem := signaling.NewMemory()
	conn := newFakeNetwork(4).open()
	_, err := conn.CreateOffer()
	require.NoError(t, err)

	r := newRelay(mem, conn, "abc123", models.RoleCaller, discardLogger)
	require.NoError(t, r.publish(ctx))

	sub, err := mem.WatchCandidates(ctx, "abc123", models.RoleCaller)
	require.NoError(t, err)
	defer sub.Close()

	var got []models.Candidate
	for len(got) < 4 {
		select {
		case rec := <-sub.C():
			assert.Equal(t, models.RoleCaller, rec.Role)
			got = append(got, rec.Candidate)
		case <-time.After(time.Second):
			t.Fatalf("got %d candidates", len(got))
		}
	}
	assert.Equal(t, conn.emittedCandidates(), got)
}

func TestRelayPublishReportsChannelFailure(t *testing.T) {
	mem := signaling.NewMemory()
	require.NoError(t, mem.Close())

	conn := newFakeNetwork(1).open()
	_, err := conn.CreateOffer()
	require.NoError(t, err)

	r := newRelay(mem, conn, "abc123", models.RoleCaller, discardLogger)
	assert.ErrorIs(t, r.publish(context.Background()), signaling.ErrChannelUnavailable)
}

func TestRelayPublishStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeNetwork(0).open()
	r := newRelay(signaling.NewMemory(), conn, "abc123", models.RoleCallee, discardLogger)

	done := make(chan error, 1)
	go func() { done <- r.publish(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not stop")
	}
}
