// Package call drives one peer through a two-party call: local media, the
// connection negotiation and the signaling channel, for either the caller or
// the callee role.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/studyroom/internal/media"
	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/peer"
	"github.com/mossy-p/studyroom/internal/signaling"
)

var (
	ErrNoLocalMedia     = errors.New("no local media stream")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrHungUp           = errors.New("call hung up")
	ErrSessionConflict  = errors.New("call session offer changed")
	ErrConnectionFailed = errors.New("connection failed")
)

// Connection is the negotiation surface of one peer connection.
// *peer.Connection implements it.
type Connection interface {
	AttachLocalTracks(stream *media.Stream) error
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetRemoteDescription(desc models.SessionDescription) error
	AddRemoteCandidate(candidate models.Candidate) error
	LocalCandidates() <-chan models.Candidate
	RemoteTracks() <-chan media.RemoteTrack
	Failed() <-chan struct{}
	Close() error
}

// ConnectionFactory opens a new Connection for every call
type ConnectionFactory func() (Connection, error)

// PeerConnections returns a factory of pion connections
func PeerConnections(cfg peer.Config) ConnectionFactory {
	return func() (Connection, error) {
		conn, err := peer.New(cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	Channel       signaling.Channel
	Capturer      media.Capturer
	NewConnection ConnectionFactory

	// OwnerID is recorded on sessions this peer creates
	OwnerID string

	// NewCallID generates caller call ids, uuid.NewString by default
	NewCallID func() string

	Logger *slog.Logger
}

// activeCall is one caller or callee attempt. Its epoch identifies it: any
// result that arrives for an epoch other than the orchestrator's is dropped.
type activeCall struct {
	epoch  uint64
	id     string
	role   models.Role
	offer  models.SessionDescription
	ctx    context.Context
	cancel context.CancelFunc
	conn   Connection
	relay  *relay
	wg     sync.WaitGroup
}

// Orchestrator is the call state machine of one peer. All methods are safe
// for concurrent use and Hangup may preempt any of them.
type Orchestrator struct {
	channel   signaling.Channel
	capturer  media.Capturer
	newConn   ConnectionFactory
	newCallID func() string
	ownerID   string
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	callID  string
	local   *media.Stream
	remote  *media.RemoteStream
	active  *activeCall
	retired []*activeCall
	err     error
	changed chan struct{}
	events  chan Event
}

// New creates an Orchestrator in the Idle state
func New(opts Options) (*Orchestrator, error) {
	if opts.Channel == nil {
		return nil, errors.New("call: signaling channel is required")
	}
	if opts.Capturer == nil {
		return nil, errors.New("call: media capturer is required")
	}

	o := &Orchestrator{
		channel:   opts.Channel,
		capturer:  opts.Capturer,
		newConn:   opts.NewConnection,
		newCallID: opts.NewCallID,
		ownerID:   opts.OwnerID,
		logger:    opts.Logger,
		changed:   make(chan struct{}),
		events:    make(chan Event, 32),
	}
	if o.newConn == nil {
		cfg := peer.Config{Logger: opts.Logger}
		if r, ok := opts.Capturer.(media.CodecRegistrar); ok {
			cfg.RegisterCodecs = r.RegisterCodecs
		}
		o.newConn = PeerConnections(cfg)
	}
	if o.newCallID == nil {
		o.newCallID = uuid.NewString
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CallID returns the id of the current call, empty outside a call
func (o *Orchestrator) CallID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callID
}

func (o *Orchestrator) LocalStream() *media.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local
}

// RemoteStream returns the tracks received from the other peer, nil outside a call
func (o *Orchestrator) RemoteStream() *media.RemoteStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remote
}

// Err returns why the orchestrator reached Closed. It wraps ErrConnectionFailed.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Events delivers state transitions. Events are dropped while the buffer is full.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// WaitForState blocks until the orchestrator is in state want or ctx is done
func (o *Orchestrator) WaitForState(ctx context.Context, want State) error {
	for {
		o.mu.Lock()
		state, changed := o.state, o.changed
		o.mu.Unlock()
		if state == want {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s in %s: %w", want, state, ctx.Err())
		case <-changed:
		}
	}
}

// setState must be called with o.mu held
func (o *Orchestrator) setState(state State) {
	if o.state == state {
		return
	}
	o.state = state
	close(o.changed)
	o.changed = make(chan struct{})

	o.logger.Info("call state changed", "state", state.String(), "callId", o.callID)
	select {
	case o.events <- Event{State: state, CallID: o.callID, Err: o.err, At: time.Now()}:
	default:
	}
}

// current must be called with o.mu held
func (o *Orchestrator) current(ac *activeCall) bool {
	return o.active == ac && ac.epoch == o.epoch
}

func (o *Orchestrator) isCurrent(ac *activeCall) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current(ac)
}

// AcquireLocalMedia opens the local devices and moves Idle or Closed to
// MediaReady. A stream acquired earlier is replaced.
func (o *Orchestrator) AcquireLocalMedia(ctx context.Context, constraints media.Constraints) error {
	o.mu.Lock()
	if o.active != nil || o.state.inCall() {
		o.mu.Unlock()
		return ErrCallInProgress
	}
	epoch := o.epoch
	o.mu.Unlock()

	stream, err := o.capturer.Acquire(ctx, constraints)
	if err != nil {
		o.logger.Warn("local media unavailable", "err", err)
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if epoch != o.epoch || o.active != nil || o.state.inCall() {
		stream.Close()
		return ErrHungUp
	}
	if o.local != nil {
		o.local.Close()
	}
	o.local = stream
	o.err = nil
	o.setState(MediaReady)
	return nil
}

// begin reserves the orchestrator for a new call attempt
func (o *Orchestrator) begin(role models.Role, callID string) (*activeCall, *media.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil || o.state.inCall() {
		return nil, nil, ErrCallInProgress
	}
	if o.local == nil || o.state != MediaReady {
		return nil, nil, ErrNoLocalMedia
	}

	ctx, cancel := context.WithCancel(context.Background())
	ac := &activeCall{
		epoch:  o.epoch,
		id:     callID,
		role:   role,
		ctx:    ctx,
		cancel: cancel,
	}
	o.active = ac
	o.callID = callID
	o.remote = media.NewRemoteStream()
	return ac, o.local, nil
}

// connect opens the attempt's connection and starts publishing its local candidates
func (o *Orchestrator) connect(ac *activeCall) (Connection, error) {
	conn, err := o.newConn()
	if err != nil {
		o.abandon(ac)
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(ac) {
		conn.Close()
		return nil, ErrHungUp
	}
	ac.conn = conn
	ac.relay = newRelay(o.channel, conn, ac.id, ac.role, o.logger)

	o.start(ac, func() {
		if err := ac.relay.publish(ac.ctx); err != nil {
			o.fail(ac, fmt.Errorf("failed to publish candidate: %w", err))
		}
	})
	return conn, nil
}

// start runs fn as a watcher of ac. Must be called with o.mu held on a current attempt.
func (o *Orchestrator) start(ac *activeCall, fn func()) {
	ac.wg.Add(1)
	go func() {
		defer ac.wg.Done()
		fn()
	}()
}

// opContext bounds a setup step by both the caller's ctx and the attempt's lifetime
func opContext(ctx context.Context, ac *activeCall) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ac.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// CreateCall starts the caller role: it writes a new session with the local
// offer and returns the call id to share with the callee. The caller reaches
// Connected once the callee's tracks arrive.
func (o *Orchestrator) CreateCall(ctx context.Context) (string, error) {
	ac, local, err := o.begin(models.RoleCaller, o.newCallID())
	if err != nil {
		return "", err
	}
	opCtx, stop := opContext(ctx, ac)
	defer stop()

	conn, err := o.connect(ac)
	if err != nil {
		return "", err
	}
	if err := conn.AttachLocalTracks(local); err != nil {
		return "", o.setupFailed(ctx, ac, err)
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return "", o.setupFailed(ctx, ac, err)
	}
	ac.offer = offer

	if err := o.channel.CreateSession(opCtx, ac.id, offer, o.ownerID); err != nil {
		return "", o.setupFailed(ctx, ac, err)
	}

	sessions, err := o.channel.WatchSession(ac.ctx, ac.id)
	if err != nil {
		return "", o.setupFailed(ctx, ac, err)
	}
	candidates, err := o.channel.WatchCandidates(ac.ctx, ac.id, models.RoleCallee)
	if err != nil {
		sessions.Close()
		return "", o.setupFailed(ctx, ac, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(ac) {
		sessions.Close()
		candidates.Close()
		return "", ErrHungUp
	}
	o.setState(Offering)
	o.start(ac, func() { o.watchAnswer(ac, sessions) })
	o.start(ac, func() { o.watchCandidates(ac, candidates) })
	o.start(ac, func() { o.watchConnection(ac) })

	return ac.id, nil
}

// AnswerCall starts the callee role on an existing session. The orchestrator
// stays in MediaReady if the session does not exist.
func (o *Orchestrator) AnswerCall(ctx context.Context, callID string) error {
	ac, local, err := o.begin(models.RoleCallee, callID)
	if err != nil {
		return err
	}
	opCtx, stop := opContext(ctx, ac)
	defer stop()

	sess, err := o.channel.GetSession(opCtx, callID)
	if err != nil {
		if errors.Is(err, signaling.ErrSessionNotFound) || errors.Is(err, signaling.ErrMalformed) {
			o.abandon(ac)
			return err
		}
		return o.setupFailed(ctx, ac, err)
	}
	if err := sess.Snapshot().Validate(); err != nil {
		o.abandon(ac)
		return err
	}

	conn, err := o.connect(ac)
	if err != nil {
		return err
	}
	if _, err := ac.relay.applyRemote(*sess.Offer); err != nil {
		return o.setupFailed(ctx, ac, err)
	}
	if err := conn.AttachLocalTracks(local); err != nil {
		return o.setupFailed(ctx, ac, err)
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return o.setupFailed(ctx, ac, err)
	}
	if err := o.channel.SetAnswer(opCtx, callID, answer); err != nil {
		return o.setupFailed(ctx, ac, err)
	}

	candidates, err := o.channel.WatchCandidates(ac.ctx, callID, models.RoleCaller)
	if err != nil {
		return o.setupFailed(ctx, ac, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(ac) {
		candidates.Close()
		return ErrHungUp
	}
	o.setState(Answering)
	o.start(ac, func() { o.watchCandidates(ac, candidates) })
	o.start(ac, func() { o.watchConnection(ac) })

	return nil
}

// watchAnswer applies the first answer of the session exactly once
func (o *Orchestrator) watchAnswer(ac *activeCall, sub *signaling.Subscription[models.SessionSnapshot]) {
	defer sub.Close()

	for snap := range sub.C() {
		if !o.isCurrent(ac) {
			return
		}
		if snap.Offer != nil && *snap.Offer != ac.offer {
			o.fail(ac, ErrSessionConflict)
			return
		}
		if snap.Answer == nil {
			continue
		}

		applied, err := ac.relay.applyRemote(*snap.Answer)
		if err != nil {
			if errors.Is(err, peer.ErrInvalidNegotiationState) {
				o.logger.Debug("ignoring answer", "callId", ac.id, "err", err)
				continue
			}
			o.fail(ac, fmt.Errorf("failed to apply answer: %w", err))
			return
		}
		if applied {
			o.logger.Info("answer applied", "callId", ac.id)
		}
	}

	if err := sub.Err(); err != nil {
		o.fail(ac, err)
	}
}

// watchCandidates feeds the other role's candidates to the relay
func (o *Orchestrator) watchCandidates(ac *activeCall, sub *signaling.Subscription[models.CandidateRecord]) {
	defer sub.Close()

	for rec := range sub.C() {
		if !o.isCurrent(ac) {
			return
		}
		ac.relay.accept(rec.Candidate)
	}

	if err := sub.Err(); err != nil {
		o.fail(ac, err)
	}
}

// watchConnection collects remote tracks and reacts to connection failure
func (o *Orchestrator) watchConnection(ac *activeCall) {
	tracks := ac.conn.RemoteTracks()
	for {
		select {
		case <-ac.ctx.Done():
			return
		case <-ac.conn.Failed():
			o.fail(ac, ErrConnectionFailed)
			return
		case track, ok := <-tracks:
			if !ok {
				return
			}
			o.addRemoteTrack(ac, track)
		}
	}
}

func (o *Orchestrator) addRemoteTrack(ac *activeCall, track media.RemoteTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.current(ac) {
		return
	}
	if o.remote.Add(track) {
		o.logger.Info("remote track added", "callId", ac.id, "track", track.ID, "kind", track.Kind.String())
	}
	if o.state == Offering || o.state == Answering {
		o.setState(Connected)
	}
}

// setupFailed ends an attempt whose setup step returned err
func (o *Orchestrator) setupFailed(ctx context.Context, ac *activeCall, err error) error {
	if !o.isCurrent(ac) {
		return ErrHungUp
	}
	if ctx.Err() != nil {
		o.abandon(ac)
		return ctx.Err()
	}
	return o.fail(ac, err)
}

// abandon drops an attempt that never left MediaReady
func (o *Orchestrator) abandon(ac *activeCall) {
	o.mu.Lock()
	if !o.current(ac) {
		o.mu.Unlock()
		return
	}
	o.active = nil
	o.callID = ""
	o.remote = nil
	conn := ac.conn
	o.mu.Unlock()

	ac.cancel()
	ac.wg.Wait()
	if conn != nil {
		conn.Close()
	}
}

// fail moves a current attempt to Closed and releases every resource.
// It may run on one of the attempt's watchers, so it does not wait for them.
func (o *Orchestrator) fail(ac *activeCall, cause error) error {
	o.mu.Lock()
	if !o.current(ac) {
		o.mu.Unlock()
		return ErrHungUp
	}

	err := cause
	if !errors.Is(err, ErrConnectionFailed) {
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, cause)
	}
	o.logger.Error("call failed", "callId", ac.id, "role", ac.role, "err", cause)

	o.epoch++
	o.active = nil
	o.retired = append(o.retired, ac)
	o.err = err
	local := o.local
	o.local = nil
	o.remote = nil
	conn := ac.conn
	o.setState(Closed)
	o.mu.Unlock()

	ac.cancel()
	if conn != nil {
		conn.Close()
	}
	if local != nil {
		local.Close()
	}
	return err
}

// Hangup ends the call from any state and resets to Idle. Local tracks are
// stopped, subscriptions are canceled and the connection is closed before it
// returns. The session is left in the channel.
func (o *Orchestrator) Hangup() {
	o.mu.Lock()
	ac := o.active
	retired := o.retired
	o.epoch++
	o.active = nil
	o.retired = nil
	local := o.local
	o.local = nil
	o.remote = nil
	o.err = nil
	var conn Connection
	if ac != nil {
		conn = ac.conn
	}
	o.setState(Idle)
	o.callID = ""
	o.mu.Unlock()

	if ac != nil {
		ac.cancel()
		ac.wg.Wait()
	}
	for _, r := range retired {
		r.wg.Wait()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			o.logger.Debug("error closing connection", "err", err)
		}
	}
	if local != nil {
		local.Close()
	}
}

// Close hangs up. The orchestrator can be used again afterwards.
func (o *Orchestrator) Close() error {
	o.Hangup()
	return nil
}
