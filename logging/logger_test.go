package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "swgdb.log")
	logger, err := New(config.LogConfig{File: path, MaxSizeMB: 1}, false)
	require.NoError(t, err)

	logger.Info("vote accepted", zap.String("target", "guild:7"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "vote accepted")
	assert.Contains(t, string(data), "guild:7")
}

func TestNew_NoFile(t *testing.T) {
	logger, err := New(config.LogConfig{}, true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
