// Package peer wraps one pion PeerConnection behind the small negotiation
// surface a two-party call needs.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/studyroom/internal/media"
	"github.com/mossy-p/studyroom/internal/models"
)

var (
	ErrInvalidNegotiationState = errors.New("invalid negotiation state")
	ErrCandidateRejected       = errors.New("candidate rejected before remote description")
	ErrClosed                  = errors.New("connection closed")
)

// DefaultICEServers are the public STUN servers used when none are configured
var DefaultICEServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config configures a Connection
type Config struct {
	ICEServers []string

	// RegisterCodecs replaces the pion default codecs, for capturers that
	// encode with their own codec set. See media.CodecRegistrar.
	RegisterCodecs func(m *webrtc.MediaEngine) error

	Logger *slog.Logger
}

// Connection is the handle on one peer-to-peer media connection. The local
// and remote descriptions are each set at most once.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu        sync.Mutex
	localType models.SDPType
	hasRemote bool

	candidates chan models.Candidate
	tracks     chan media.RemoteTrack
	connected  chan struct{}
	failed     chan struct{}
	done       chan struct{}

	// Guards sends on candidates and tracks against Close
	sendMu     sync.Mutex
	gathered   bool
	sendClosed bool

	connectedOnce sync.Once
	failedOnce    sync.Once
	closeOnce     sync.Once
	closeErr      error
}

// New builds the pion API (MediaEngine, default interceptors, setting engine) and
// opens a PeerConnection on it.
func New(cfg Config) (*Connection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}

	mediaEngine := &webrtc.MediaEngine{}
	if cfg.RegisterCodecs != nil {
		if err := cfg.RegisterCodecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// Let ICE ride out short outages on relay paths before reporting failure
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           []webrtc.ICEServer{{URLs: iceServers}},
		ICECandidatePoolSize: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Connection{
		pc:         pc,
		logger:     logger,
		candidates: make(chan models.Candidate, 32),
		tracks:     make(chan media.RemoteTrack, 4),
		connected:  make(chan struct{}),
		failed:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	pc.OnICECandidate(c.onICECandidate)
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state change", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.connectedOnce.Do(func() { close(c.connected) })
		case webrtc.PeerConnectionStateFailed:
			c.failedOnce.Do(func() { close(c.failed) })
		}
	})

	return c, nil
}

// AttachLocalTracks adds every track of stream to the connection
func (c *Connection) AttachLocalTracks(stream *media.Stream) error {
	for _, track := range stream.Tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}

		// RTCP must be read for the interceptors to work
		go func() {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(rtcpBuf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// CreateOffer generates the offer and sets it as the local description.
// Only valid once, before any remote description.
func (c *Connection) CreateOffer() (models.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return models.SessionDescription{}, ErrClosed
	}
	if c.localType != "" || c.hasRemote {
		return models.SessionDescription{}, fmt.Errorf("%w: offer after negotiation started", ErrInvalidNegotiationState)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	c.localType = models.SDPTypeOffer

	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: offer.SDP}, nil
}

// CreateAnswer generates the answer to the remote offer and sets it as the local description
func (c *Connection) CreateAnswer() (models.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return models.SessionDescription{}, ErrClosed
	}
	if !c.hasRemote || c.localType != "" {
		return models.SessionDescription{}, fmt.Errorf("%w: answer needs a remote offer", ErrInvalidNegotiationState)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	c.localType = models.SDPTypeAnswer

	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the other peer's description. Without a local
// description it must be an offer, after a local offer it must be an answer.
func (c *Connection) SetRemoteDescription(desc models.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.hasRemote {
		return fmt.Errorf("%w: remote description already set", ErrInvalidNegotiationState)
	}

	var sdpType webrtc.SDPType
	switch {
	case c.localType == "" && desc.Type == models.SDPTypeOffer:
		sdpType = webrtc.SDPTypeOffer
	case c.localType == models.SDPTypeOffer && desc.Type == models.SDPTypeAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("%w: remote %s with local %q", ErrInvalidNegotiationState, desc.Type, c.localType)
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	c.hasRemote = true
	return nil
}

// AddRemoteCandidate adds one of the other peer's candidates
func (c *Connection) AddRemoteCandidate(candidate models.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if !c.hasRemote {
		return ErrCandidateRejected
	}

	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

// LocalCandidates delivers every locally gathered candidate. The channel is
// closed when gathering completes or the connection is closed.
func (c *Connection) LocalCandidates() <-chan models.Candidate {
	return c.candidates
}

// RemoteTracks delivers the tracks of the other peer as they arrive
func (c *Connection) RemoteTracks() <-chan media.RemoteTrack {
	return c.tracks
}

// Connected is closed once the connection is established
func (c *Connection) Connected() <-chan struct{} {
	return c.connected
}

// Failed is closed if the connection fails
func (c *Connection) Failed() <-chan struct{} {
	return c.failed
}

// Close releases the peer connection. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.pc.Close()

		c.sendMu.Lock()
		c.sendClosed = true
		if !c.gathered {
			c.gathered = true
			close(c.candidates)
		}
		close(c.tracks)
		c.sendMu.Unlock()
	})
	return c.closeErr
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) onICECandidate(candidate *webrtc.ICECandidate) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.gathered {
		return
	}

	// A nil candidate marks the end of gathering
	if candidate == nil {
		c.gathered = true
		close(c.candidates)
		return
	}

	init := candidate.ToJSON()
	select {
	case c.candidates <- models.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}:
	case <-c.done:
	}
}

func (c *Connection) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.logger.Info("remote track arrived",
		"id", track.ID(),
		"kind", track.Kind().String(),
		"mime", track.Codec().MimeType,
	)

	// Ask the sender for a keyframe so video can be decoded from the start
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := c.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			c.logger.Debug("error sending PLI", "err", err)
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.tracks <- media.RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Track:    track,
	}:
	case <-c.done:
	}
}
