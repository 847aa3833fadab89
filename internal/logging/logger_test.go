package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewDefaultsLevelAndOutput(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, logger.Logger)
	assert.True(t, logger.Core().Enabled(0), "info must be enabled by default")
	assert.False(t, logger.Core().Enabled(-1), "debug must be disabled by default")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NewDevelopment().Logger
	assert.Same(t, l, OrNop(l))
}
