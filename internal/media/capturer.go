// Package media acquires the local audio/video tracks of a call and collects
// the tracks received from the remote peer.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrDeviceUnavailable is returned when a requested device is absent or access to it was denied
var ErrDeviceUnavailable = errors.New("media device unavailable")

// DeviceError describes which device could not be opened and why
type DeviceError struct {
	Device string
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Device, e.Reason)
}

func (e *DeviceError) Unwrap() error {
	return ErrDeviceUnavailable
}

// Constraints enumerate the tracks wanted from the local devices
type Constraints struct {
	Video bool
	Audio bool
}

// Validate rejects constraints that request no track at all
func (c Constraints) Validate() error {
	if !c.Video && !c.Audio {
		return &DeviceError{Device: "media", Reason: "no audio or video track requested"}
	}
	return nil
}

// Capturer opens local devices. A failed Acquire is not retried.
type Capturer interface {
	Acquire(ctx context.Context, constraints Constraints) (*Stream, error)
}

// CodecRegistrar is implemented by capturers whose tracks need codecs beyond
// the pion defaults. The peer connection registers them on its MediaEngine.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// Stream is the handle on the live local tracks
type Stream struct {
	mu     sync.Mutex
	id     string
	tracks []webrtc.TrackLocal
	stops  []func()
	live   int
	closed bool
}

// NewStream wraps tracks that are already producing media. stop is called once
// per track when the stream is closed and may be nil.
func NewStream(id string, tracks []webrtc.TrackLocal, stops []func()) *Stream {
	return &Stream{
		id:     id,
		tracks: tracks,
		stops:  stops,
		live:   len(tracks),
	}
}

func (s *Stream) ID() string {
	return s.id
}

// Tracks returns the local tracks in the order they were acquired
func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// TrackIDs returns the id of every local track
func (s *Stream) TrackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		ids = append(ids, t.ID())
	}
	return ids
}

// Live returns the number of tracks still producing media
func (s *Stream) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Close stops every track. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, stop := range s.stops {
		if stop != nil {
			stop()
		}
	}
	s.live = 0
}

// RemoteTrack is one track received from the other peer.
// Track is nil when the connection is not backed by pion.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    *webrtc.TrackRemote
}

// RemoteStream aggregates the remote peer's tracks for the UI consumer
type RemoteStream struct {
	mu     sync.Mutex
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Add records a remote track. A track that is already present is ignored.
func (s *RemoteStream) Add(track RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.ID == track.ID {
			return false
		}
	}
	s.tracks = append(s.tracks, track)
	return true
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// TrackIDs returns the id of every remote track in arrival order
func (s *RemoteStream) TrackIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tracks))
	for _, t := range s.tracks {
		ids = append(ids, t.ID)
	}
	return ids
}

func (s *RemoteStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}
