//go:build mediadevices

package main

import (
	"log/slog"

	"github.com/mossy-p/studyroom/internal/media"
)

func newCapturer(logger *slog.Logger) (media.Capturer, error) {
	devices, err := media.NewDevices(logger)
	if err != nil {
		return nil, err
	}
	return devices, nil
}
