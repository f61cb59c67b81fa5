package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsUnknownValues(t *testing.T) {
	assert.Error(t, Init("xml", "info"))
	assert.Error(t, Init("json", "loud"))
	require.NoError(t, Init("json", "warn"))
}

func TestLNamesComponent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(zap.NewNop()) })

	L("storage").Infow("flushed", "rows", 3)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "storage", entries[0].LoggerName)
	assert.Equal(t, "flushed", entries[0].Message)
	assert.EqualValues(t, 3, entries[0].ContextMap()["rows"])
}
