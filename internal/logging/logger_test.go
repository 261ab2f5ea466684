package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		level     string
		wantDebug bool
		wantError bool
	}{
		{"none", false, false},
		{"error", false, true},
		{"warn", false, true},
		{"info", false, true},
		{"debug", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			f, err := Configure(tt.level, "")
			require.NoError(t, err)
			assert.Nil(t, f)

			ctx := context.Background()
			assert.Equal(t, tt.wantDebug, slog.Default().Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.wantError, slog.Default().Enabled(ctx, slog.LevelError))
		})
	}

	_, err := Configure("verbose", "")
	assert.Error(t, err)
}

func TestConfigureFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "studyroom.log")
	f, err := Configure("info", path)
	require.NoError(t, err)
	require.NotNil(t, f)

	slog.Info("call created", "callID", "abc123")
	slog.Debug("hidden")
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry), "exactly one JSON line expected: %s", data)
	assert.Equal(t, "call created", entry["msg"])
	assert.Equal(t, "abc123", entry["callID"])
}
