// ABOUTME: Tests for logging setup
// ABOUTME: Checks level parsing and the log file tee
package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesLogFile(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	defer logrus.SetLevel(logrus.InfoLevel)

	path := filepath.Join(t.TempDir(), "eq.log")
	closer, err := Setup("debug", path)
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	logrus.WithField("component", "test").Debug("hello log file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello log file")
	assert.Contains(t, string(data), "component=test")
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup("chatty", "")
	assert.Error(t, err)
}

func TestSetupWithoutFile(t *testing.T) {
	defer logrus.SetOutput(os.Stderr)
	closer, err := Setup("warn", "")
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	logrus.SetLevel(logrus.InfoLevel)
}
