package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithConnectionBeforeInit(t *testing.T) {
	Logger = nil

	logger := WithConnection("conn-1")
	require.NotNil(t, logger)
	logger.Info("usable without InitLogger")
}

func TestInitLoggerSetsGlobal(t *testing.T) {
	InitLogger("debug", "json")
	assert.NotNil(t, Logger)
	assert.NotNil(t, WithConnection("conn-2"))
}
