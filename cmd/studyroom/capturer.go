//go:build !mediadevices

package main

import (
	"log/slog"

	"github.com/mossy-p/studyroom/internal/media"
)

// newCapturer returns generated tone and frames. Build with -tags mediadevices
// to capture from the camera and microphone.
func newCapturer(logger *slog.Logger) (media.Capturer, error) {
	return &media.Synthetic{Logger: logger}, nil
}
