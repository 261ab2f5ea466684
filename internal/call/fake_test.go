package call

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/studyroom/internal/media"
	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/peer"
	"github.com/mossy-p/studyroom/internal/signaling"
)

// fakeNetwork links fake connections through the token carried in their SDP.
// Once both ends of a pairing have a local and a remote description, each
// receives the other's local tracks.
type fakeNetwork struct {
	mu         sync.Mutex
	conns      map[string]*fakeConn
	next       int
	candidates int
}

func newFakeNetwork(candidates int) *fakeNetwork {
	return &fakeNetwork{
		conns:      make(map[string]*fakeConn),
		candidates: candidates,
	}
}

// recorder returns a factory for one orchestrator that remembers its connections
func (n *fakeNetwork) recorder() *connRecorder {
	return &connRecorder{net: n}
}

func (n *fakeNetwork) open() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	c := &fakeConn{
		net:        n,
		token:      fmt.Sprintf("conn-%d", n.next),
		candidates: make(chan models.Candidate, n.candidates),
		tracks:     make(chan media.RemoteTrack, 8),
		failed:     make(chan struct{}),
	}
	n.conns[c.token] = c
	return c
}

func (n *fakeNetwork) link(c *fakeConn) {
	n.mu.Lock()
	other := n.conns[c.remoteToken()]
	n.mu.Unlock()
	if other == nil || !c.negotiated() || !other.negotiated() || other.remoteToken() != c.token {
		return
	}
	c.deliver(other.localTracks())
	other.deliver(c.localTracks())
}

type connRecorder struct {
	net   *fakeNetwork
	mu    sync.Mutex
	conns []*fakeConn
}

func (r *connRecorder) factory() ConnectionFactory {
	return func() (Connection, error) {
		c := r.net.open()
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		return c, nil
	}
}

func (r *connRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *connRecorder) last() *fakeConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

type fakeConn struct {
	net   *fakeNetwork
	token string

	mu         sync.Mutex
	local      *media.Stream
	localType  models.SDPType
	remote     string
	remoteSets int
	added      []models.Candidate
	emitted    []models.Candidate
	gathered   bool
	linked     bool
	closed     bool

	candidates chan models.Candidate
	tracks     chan media.RemoteTrack
	failed     chan struct{}
	failOnce   sync.Once
}

func (c *fakeConn) AttachLocalTracks(stream *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = stream
	return nil
}

func (c *fakeConn) CreateOffer() (models.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return models.SessionDescription{}, peer.ErrClosed
	}
	if c.localType != "" || c.remote != "" {
		return models.SessionDescription{}, peer.ErrInvalidNegotiationState
	}
	c.localType = models.SDPTypeOffer
	c.gather()
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: "fake offer " + c.token}, nil
}

func (c *fakeConn) CreateAnswer() (models.SessionDescription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.SessionDescription{}, peer.ErrClosed
	}
	if c.localType != "" || c.remote == "" {
		c.mu.Unlock()
		return models.SessionDescription{}, peer.ErrInvalidNegotiationState
	}
	c.localType = models.SDPTypeAnswer
	c.gather()
	c.mu.Unlock()

	c.net.link(c)
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "fake answer " + c.token}, nil
}

func (c *fakeConn) SetRemoteDescription(desc models.SessionDescription) error {
	c.mu.Lock()
	c.remoteSets++
	if c.closed {
		c.mu.Unlock()
		return peer.ErrClosed
	}
	if c.remote != "" {
		c.mu.Unlock()
		return peer.ErrInvalidNegotiationState
	}
	fields := strings.Fields(desc.SDP)
	if len(fields) != 3 {
		c.mu.Unlock()
		return fmt.Errorf("unexpected sdp %q", desc.SDP)
	}
	c.remote = fields[2]
	offering := c.localType == models.SDPTypeOffer
	c.mu.Unlock()

	if offering {
		c.net.link(c)
	}
	return nil
}

func (c *fakeConn) AddRemoteCandidate(candidate models.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return peer.ErrClosed
	}
	if c.remote == "" {
		return peer.ErrCandidateRejected
	}
	c.added = append(c.added, candidate)
	return nil
}

func (c *fakeConn) LocalCandidates() <-chan models.Candidate {
	return c.candidates
}

func (c *fakeConn) RemoteTracks() <-chan media.RemoteTrack {
	return c.tracks
}

func (c *fakeConn) Failed() <-chan struct{} {
	return c.failed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.gathered {
		c.gathered = true
		close(c.candidates)
	}
	close(c.tracks)
	return nil
}

// gather emits the configured number of candidates and completes gathering.
// Must be called with c.mu held.
func (c *fakeConn) gather() {
	for i := 0; i < c.net.candidates; i++ {
		candidate := models.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.1 %d typ host %s", i, 4000+i, c.token)}
		c.emitted = append(c.emitted, candidate)
		c.candidates <- candidate
	}
	c.gathered = true
	close(c.candidates)
}

func (c *fakeConn) deliver(tracks []media.RemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.linked {
		return
	}
	c.linked = true
	for _, t := range tracks {
		c.tracks <- t
	}
}

func (c *fakeConn) fail() {
	c.failOnce.Do(func() { close(c.failed) })
}

func (c *fakeConn) negotiated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localType != "" && c.remote != ""
}

func (c *fakeConn) remoteToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeConn) localTracks() []media.RemoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	var tracks []media.RemoteTrack
	for _, t := range c.local.Tracks() {
		tracks = append(tracks, media.RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind()})
	}
	return tracks
}

func (c *fakeConn) addedCandidates() []models.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Candidate(nil), c.added...)
}

func (c *fakeConn) emittedCandidates() []models.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Candidate(nil), c.emitted...)
}

func (c *fakeConn) remoteDescriptionCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSets
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// rewriteChannel passes every session snapshot through rewrite before delivery
type rewriteChannel struct {
	signaling.Channel
	rewrite func(ctx context.Context, snap models.SessionSnapshot) []models.SessionSnapshot
}

func (c *rewriteChannel) WatchSession(ctx context.Context, callID string) (*signaling.Subscription[models.SessionSnapshot], error) {
	inner, err := c.Channel.WatchSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	return signaling.NewSubscription(ctx, func(ctx context.Context, emit func(models.SessionSnapshot) bool) error {
		defer inner.Close()
		for {
			var snap models.SessionSnapshot
			select {
			case <-ctx.Done():
				return nil
			case s, ok := <-inner.C():
				if !ok {
					return inner.Err()
				}
				snap = s
			}
			for _, out := range c.rewrite(ctx, snap) {
				if !emit(out) {
					return nil
				}
			}
		}
	}), nil
}

// repeated delivers every snapshot n times
func repeated(n int) func(context.Context, models.SessionSnapshot) []models.SessionSnapshot {
	return func(_ context.Context, snap models.SessionSnapshot) []models.SessionSnapshot {
		out := make([]models.SessionSnapshot, n)
		for i := range out {
			out[i] = snap
		}
		return out
	}
}

// gated holds back answered snapshots until gate is closed
func gated(gate <-chan struct{}) func(context.Context, models.SessionSnapshot) []models.SessionSnapshot {
	return func(ctx context.Context, snap models.SessionSnapshot) []models.SessionSnapshot {
		if snap.Answer != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil
			}
		}
		return []models.SessionSnapshot{snap}
	}
}
