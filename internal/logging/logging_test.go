package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "loud", Quiet: true})
	assert.Error(t, err)
}

func TestFileOutputAndLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tunnel.log")

	l, err := New(Options{Level: "info", File: path, Quiet: true})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("shown", zap.String("k", "v"))

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, l.Level())
	l.Debug("now visible")

	assert.Error(t, l.SetLevel("nope"))
	assert.Equal(t, zapcore.DebugLevel, l.Level())

	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		msgs = append(msgs, entry["msg"].(string))
	}
	assert.Equal(t, []string{"shown", "now visible"}, msgs)
}
