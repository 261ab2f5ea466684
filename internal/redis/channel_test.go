package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

var (
	testOffer  = models.SessionDescription{Type: models.SDPTypeOffer, SDP: "v=0 offer"}
	testAnswer = models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "v=0 answer"}
)

func newTestChannel(t *testing.T) (*Channel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewChannel(client, WithResyncInterval(50*time.Millisecond), WithSessionTTL(time.Hour)), mr
}

func recv[T any](t *testing.T, sub *signaling.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscription value")
	}
	var zero T
	return zero
}

func candidate(i int) models.Candidate {
	return models.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i, 6000+i)}
}

func TestChannelSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	_, err := ch.GetSession(ctx, "abc123")
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
	assert.ErrorIs(t, ch.SetAnswer(ctx, "abc123", testAnswer), signaling.ErrSessionNotFound)

	require.NoError(t, ch.CreateSession(ctx, "abc123", testOffer, "user-1"))
	assert.ErrorIs(t, ch.CreateSession(ctx, "abc123", testOffer, ""), signaling.ErrSessionAlreadyExists)
	assert.Equal(t, time.Hour, mr.TTL("call:abc123"))

	sess, err := ch.GetSession(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, testOffer, *sess.Offer)
	assert.Nil(t, sess.Answer)
	assert.Equal(t, "user-1", sess.OwnerID)
	assert.False(t, sess.CreatedAt.IsZero())

	require.NoError(t, ch.SetAnswer(ctx, "abc123", testAnswer))
	assert.ErrorIs(t, ch.SetAnswer(ctx, "abc123", testAnswer), signaling.ErrAnswerAlreadySet)

	sess, err = ch.GetSession(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, sess.Answer)
	assert.Equal(t, testAnswer, *sess.Answer)

	require.NoError(t, ch.DeleteSession(ctx, "abc123"))
	assert.ErrorIs(t, ch.DeleteSession(ctx, "abc123"), signaling.ErrSessionNotFound)
}

func TestChannelSessionExpires(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	require.NoError(t, ch.CreateSession(ctx, "abc123", testOffer, ""))
	mr.FastForward(2 * time.Hour)

	_, err := ch.GetSession(ctx, "abc123")
	assert.ErrorIs(t, err, signaling.ErrSessionNotFound)
}

func TestChannelMalformedDocument(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	mr.HSet("call:broken", "offer", `{"type":"answer","sdp":"x"}`)
	_, err := ch.GetSession(ctx, "broken")
	assert.ErrorIs(t, err, signaling.ErrMalformed)
}

func TestChannelWatchSession(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestChannel(t)

	sub, err := ch.WatchSession(ctx, "abc123")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, ch.CreateSession(ctx, "abc123", testOffer, ""))
	snap := recv(t, sub)
	assert.Nil(t, snap.Answer)

	require.NoError(t, ch.SetAnswer(ctx, "abc123", testAnswer))
	snap = recv(t, sub)
	require.NotNil(t, snap.Answer)
	assert.Equal(t, testAnswer, *snap.Answer)

	sub.Close()
	assert.NoError(t, sub.Err())
}

func TestChannelWatchCandidates(t *testing.T) {
	ctx := context.Background()
	ch, _ := newTestChannel(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.AppendCandidate(ctx, "abc123", models.RoleCallee, candidate(i)))
	}

	sub, err := ch.WatchCandidates(ctx, "abc123", models.RoleCallee)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		rec := recv(t, sub)
		assert.Equal(t, models.RoleCallee, rec.Role)
		assert.Equal(t, candidate(i), rec.Candidate)
	}

	require.NoError(t, ch.AppendCandidate(ctx, "abc123", models.RoleCaller, candidate(50)))
	require.NoError(t, ch.AppendCandidate(ctx, "abc123", models.RoleCallee, candidate(3)))
	assert.Equal(t, candidate(3), recv(t, sub).Candidate)

	select {
	case rec := <-sub.C():
		t.Fatalf("unexpected candidate %+v", rec)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestChannelUnavailable(t *testing.T) {
	ctx := context.Background()
	ch, mr := newTestChannel(t)

	mr.Close()
	assert.ErrorIs(t, ch.AppendCandidate(ctx, "x", models.RoleCaller, candidate(1)), signaling.ErrChannelUnavailable)
	assert.ErrorIs(t, ch.CreateSession(ctx, "x", testOffer, ""), signaling.ErrChannelUnavailable)
	_, err := ch.WatchSession(ctx, "x")
	assert.ErrorIs(t, err, signaling.ErrChannelUnavailable)
}
