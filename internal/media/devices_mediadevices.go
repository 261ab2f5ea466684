//go:build mediadevices

package media

import (
	"context"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Devices captures the local camera and microphone with pion/mediadevices,
// encoding video as VP8 and audio as Opus.
type Devices struct {
	selector *mediadevices.CodecSelector
	logger   *slog.Logger
}

// NewDevices prepares the encoders. No device is opened until Acquire.
func NewDevices(logger *slog.Logger) (*Devices, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

// RegisterCodecs registers the encoders' codecs so the peer connection can negotiate them
func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *Devices) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, &DeviceError{Device: "camera and microphone", Reason: "no media devices found"}
	}
	for _, dev := range devices {
		d.logger.Debug("media device", "kind", dev.Kind, "label", dev.Label)
	}

	mediaConstraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if constraints.Video {
		mediaConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only, some cameras produce malformed MJPEG
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if constraints.Audio {
		mediaConstraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	captured, err := mediadevices.GetUserMedia(mediaConstraints)
	if err != nil {
		return nil, &DeviceError{Device: describe(constraints), Reason: err.Error()}
	}

	var (
		tracks []webrtc.TrackLocal
		stops  []func()
	)
	for _, track := range captured.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				d.logger.Warn("local track ended", "track", track.ID(), "err", err)
			}
		})
		tracks = append(tracks, track)
		stops = append(stops, func() { track.Close() })
	}

	d.logger.Info("local media captured", "constraints", describe(constraints), "tracks", len(tracks))
	return NewStream(tracks[0].StreamID(), tracks, stops), nil
}

func describe(c Constraints) string {
	switch {
	case c.Video && c.Audio:
		return "camera and microphone"
	case c.Video:
		return "camera"
	default:
		return "microphone"
	}
}
