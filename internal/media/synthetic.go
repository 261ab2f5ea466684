package media

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	// PCM μ-law uses an 8kHz sample rate
	toneSampleRate      = 8000
	toneFramesPerBuffer = 160 // 20ms at 8kHz
	toneFrequency       = 440.0
	audioFrameDuration  = 20 * time.Millisecond

	videoFrameDuration = time.Second / 15
	videoFrameSize     = 1200
)

// Synthetic is a Capturer without hardware. Audio is a PCMU test tone and
// video is a stream of placeholder VP8 payloads.
// The device fields simulate absent or denied hardware.
type Synthetic struct {
	NoCamera     bool
	NoMicrophone bool
	Denied       bool

	Logger *slog.Logger
}

func (s *Synthetic) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Synthetic) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Denied {
		return nil, &DeviceError{Device: "camera and microphone", Reason: "permission denied"}
	}
	if constraints.Video && s.NoCamera {
		return nil, &DeviceError{Device: "camera", Reason: "no device found"}
	}
	if constraints.Audio && s.NoMicrophone {
		return nil, &DeviceError{Device: "microphone", Reason: "no device found"}
	}

	streamID := "studyroom-" + uuid.NewString()
	var (
		tracks []webrtc.TrackLocal
		stops  []func()
	)

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU},
			"audio-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
		stops = append(stops, s.pump(track, audioFrameDuration, toneFrames()))
	}

	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(),
			streamID,
		)
		if err != nil {
			for _, stop := range stops {
				stop()
			}
			return nil, err
		}
		tracks = append(tracks, track)
		stops = append(stops, s.pump(track, videoFrameDuration, placeholderFrames()))
	}

	s.logger().Debug("synthetic media acquired", "stream", streamID, "tracks", len(tracks))
	return NewStream(streamID, tracks, stops), nil
}

// pump writes one frame from next every interval until the returned stop func is called
func (s *Synthetic) pump(track *webrtc.TrackLocalStaticSample, interval time.Duration, next func() []byte) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if err := track.WriteSample(pionmedia.Sample{Data: next(), Duration: interval}); err != nil {
				s.logger().Debug("error writing sample", "track", track.ID(), "err", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
}

// toneFrames returns a generator of 20ms μ-law frames of a slowly modulated sine
func toneFrames() func() []byte {
	var (
		phase      float64
		frameCount int64
	)
	return func() []byte {
		frame := make([]byte, toneFramesPerBuffer)
		for i := range frame {
			freq := toneFrequency + math.Sin(float64(frameCount)*0.01)*50
			amplitude := 0.3 + 0.2*math.Sin(float64(frameCount)*0.005)

			frame[i] = linearToMulaw(int16(math.Sin(phase) * amplitude * 16383))

			phase += 2 * math.Pi * freq / toneSampleRate
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		frameCount++
		return frame
	}
}

// placeholderFrames returns a generator of fixed size payloads tagged with a frame counter.
// They are not decodable VP8, only enough to keep RTP flowing.
func placeholderFrames() func() []byte {
	var frameCount uint32
	return func() []byte {
		frame := make([]byte, videoFrameSize)
		frame[0] = 0x10 // start of partition
		frame[1] = byte(frameCount >> 24)
		frame[2] = byte(frameCount >> 16)
		frame[3] = byte(frameCount >> 8)
		frame[4] = byte(frameCount)
		frameCount++
		return frame
	}
}

// linearToMulaw converts a 16-bit linear PCM sample to μ-law encoding
func linearToMulaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)

	var sign byte
	magnitude := int32(sample)
	if magnitude < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > clip {
		magnitude = clip
	}
	biased := uint16(magnitude) + bias

	// Exponent is the position of the highest set bit above bit 7
	var exponent byte = 7
	for exponent > 0 && biased&(1<<(exponent+7)) == 0 {
		exponent--
	}
	mantissa := byte((biased >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}
