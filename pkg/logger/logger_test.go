package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	require.NotNil(t, Logger(), "usable before Initialize")

	assert.Error(t, Initialize("loud"))

	require.NoError(t, Initialize("warn"))
	assert.False(t, Logger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger().Core().Enabled(zapcore.WarnLevel))
	assert.NotNil(t, Named("ledger"))
}
