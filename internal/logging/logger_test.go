package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func withObserver() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{z: zap.New(core).Sugar()}, logs
}

func TestNew_DefaultConfigBuildsInfoLevelLogger(t *testing.T) {
	l, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, l)
	core := l.z.Desugar().Core()
	assert.True(t, core.Enabled(zap.InfoLevel))
	assert.False(t, core.Enabled(zap.DebugLevel))
	require.NoError(t, l.Sync())
}

func TestDebug_CarriesKeyValuePairs(t *testing.T) {
	l, logs := withObserver()
	l.Debug("queued request", "cog", 3, "sequence", 42)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "queued request", entry.Message)
	fields := entry.ContextMap()
	assert.EqualValues(t, 3, fields["cog"])
	assert.EqualValues(t, 42, fields["sequence"])
}

func TestWith_AttachesFieldsToEverySubsequentEntry(t *testing.T) {
	l, logs := withObserver()
	scoped := l.With("cog", 5)
	scoped.Info("stall sent")
	scoped.Warn("nak received")

	require.Equal(t, 2, logs.Len())
	for _, entry := range logs.All() {
		assert.EqualValues(t, 5, entry.ContextMap()["cog"])
	}
}

func TestErrorf_FormatsMessage(t *testing.T) {
	l, logs := withObserver()
	l.Errorf("pool exhausted after %d acquires", 1000)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "pool exhausted after 1000 acquires", logs.All()[0].Message)
}

func TestDefault_NopDefaultLogsWithoutPanicking(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	SetDefault(NewNop())
	assert.NotPanics(t, func() {
		Info("no observer attached, should not panic")
	})
}
