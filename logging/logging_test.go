package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"debug", zapcore.Level(-1), false},
		{"verbose", zapcore.Level(-2), false},
		{"3", zapcore.Level(-3), false},
		{"-1", zapcore.InfoLevel, true},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, test := range tests {
		got, err := parseLevel(test.in)
		if test.wantErr {
			assert.Error(t, err, "parseLevel(%q)", test.in)
			continue
		}
		require.NoError(t, err, "parseLevel(%q)", test.in)
		assert.Equal(t, test.want, got, "parseLevel(%q)", test.in)
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.V(LevelDebug).Enabled())
	assert.False(t, log.V(LevelVerbose).Enabled())

	_, err = NewLogger("nope")
	assert.Error(t, err)
	assert.NotNil(t, MustNewLogger("nope").GetSink())
}
