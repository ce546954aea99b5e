package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"live_agent/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                     {}
func (nopLogger) Info(string, ...interface{})                      {}
func (nopLogger) Warn(string, ...interface{})                      {}
func (nopLogger) Error(string, ...interface{})                     {}
func (nopLogger) Fatal(string, ...interface{})                     {}
func (n nopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLog(dir, nopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func readLines(t *testing.T, dir string) []map[string]interface{} {
	t.Helper()
	raw, err := os.ReadFile(dir + "/events.jsonl")
	require.NoError(t, err)

	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func TestAppendWritesRecord(t *testing.T) {
	l, dir := newTestLog(t)

	require.NoError(t, l.Append(EventFill, map[string]interface{}{
		"client_order_id": "o1",
		"qty":             "1",
	}))

	recs := readLines(t, dir)
	require.Len(t, recs, 1)
	assert.Equal(t, "Fill", recs[0]["event"])
	assert.Equal(t, "o1", recs[0]["client_order_id"])
	assert.NotEmpty(t, recs[0]["event_id"])

	ts, ok := recs[0]["timestamp"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(ts, "Z"), "timestamp must be UTC with Z suffix")
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	l, dir := newTestLog(t)

	payload := map[string]interface{}{"client_order_id": "o1"}
	require.NoError(t, l.Append(EventFill, payload))
	require.NoError(t, l.Append(EventFill, payload))
	require.NoError(t, l.Append(EventFill, payload))

	assert.Len(t, readLines(t, dir), 1)
}

func TestTimestampExcludedFromID(t *testing.T) {
	a := EventID(EventExit, map[string]interface{}{"pnl": "5", "timestamp": "2026-01-01T00:00:00Z"})
	b := EventID(EventExit, map[string]interface{}{"pnl": "5", "timestamp": "2026-01-02T00:00:00Z"})
	assert.Equal(t, a, b, "ids must be identical across retries with differing timestamps")

	c := EventID(EventExit, map[string]interface{}{"pnl": "6"})
	assert.NotEqual(t, a, c)
}

func TestDifferentEventsNotSuppressed(t *testing.T) {
	l, dir := newTestLog(t)

	require.NoError(t, l.Append(EventFill, map[string]interface{}{"client_order_id": "o1"}))
	require.NoError(t, l.Append(EventExit, map[string]interface{}{"client_order_id": "o1"}))

	assert.Len(t, readLines(t, dir), 2)
}

func TestSeenSetEvictsOldestHalf(t *testing.T) {
	l, dir := newTestLog(t)
	l.capacity = 8

	for i := 0; i < 8; i++ {
		require.NoError(t, l.Append(EventFill, map[string]interface{}{"n": fmt.Sprintf("%d", i)}))
	}
	// At capacity: the oldest half is dropped, so event 0 appends again
	// while a recent event stays suppressed
	require.NoError(t, l.Append(EventFill, map[string]interface{}{"n": "0"}))
	require.NoError(t, l.Append(EventFill, map[string]interface{}{"n": "7"}))

	recs := readLines(t, dir)
	assert.Len(t, recs, 9)
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nopLogger{})
	require.NoError(t, err)
	require.NoError(t, l.Append(EventSessionStopped, map[string]interface{}{"reason": "duration_limit"}))
	require.NoError(t, l.Close())

	l2, err := NewLog(dir, nopLogger{})
	require.NoError(t, err)
	defer l2.Close()
	require.NoError(t, l2.Append(EventSessionStopped, map[string]interface{}{"reason": "kill_switch"}))

	recs := readLines(t, dir)
	assert.Len(t, recs, 2)
}
