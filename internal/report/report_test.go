package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRecordsEventStream(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.TaskAdded("RJ000111")
	m.TaskLog("RJ000111", LevelWarn, "retrying")
	m.TaskRemoved("RJ000111", "added")
	m.ResultAdded("RJ000111", "added", 1)
	m.MainLog(LevelInfo, "walking roots")
	m.Finished("done")

	outcome, ok := m.Outcome("RJ000111")
	require.True(t, ok)
	assert.Equal(t, "added", outcome)

	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, Result{ID: "RJ000111", Outcome: "added", RunningCount: 1}, results[0])

	require.Len(t, m.MainLogs(), 1)
	assert.Equal(t, []string{"done"}, m.Summaries())

	_, ok = m.Outcome("RJ999999")
	assert.False(t, ok)
}
