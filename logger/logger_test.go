package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLevels(t *testing.T) {
	for _, build := range []func(bool) (*zap.Logger, error){New, NewConsole} {
		log, err := build(false)
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zap.DebugLevel))
		assert.True(t, log.Core().Enabled(zap.InfoLevel))

		log, err = build(true)
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zap.DebugLevel))
	}
}
