package engine

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLog(t *testing.T, buf *bytes.Buffer) []RequestLogEntry {
	t.Helper()
	var out []RequestLogEntry
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var e RequestLogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestRequestLog_RequestAndResponseLines(t *testing.T) {
	// GIVEN a finished sequence that generated two tokens
	var buf bytes.Buffer
	l := NewRequestLog(&buf)
	m := newTestManager(4, 4)
	s := newTestSeq(m, "s", 3, 2, 0)
	s.Adapter = LoRAAdapter{Name: "sql"}
	s.appendToken(8)
	s.appendToken(9)
	s.state, s.stopReason = StateFinished, StopLength

	// WHEN both events are logged
	require.NoError(t, l.LogRequest(s.ID, Request{Prompt: []int{1, 2, 3}, Priority: 2, Sampling: SamplingConfig{MaxTokens: 2}, Adapter: s.Adapter}, epoch))
	require.NoError(t, l.LogResponse(s, epoch))

	// THEN one JSON line each, the response carrying only generated tokens
	entries := readLog(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "request", entries[0].Kind)
	assert.Equal(t, 3, entries[0].PromptLen)
	assert.Equal(t, "sql", entries[0].Adapter)
	assert.Equal(t, "response", entries[1].Kind)
	assert.Equal(t, []int{8, 9}, entries[1].Tokens)
	assert.Equal(t, StopLength, entries[1].StopReason)
	assert.Empty(t, entries[1].Error)
}

func TestRequestLog_NilDiscards(t *testing.T) {
	var l *RequestLog
	assert.NoError(t, l.LogRequest("x", Request{}, epoch))
	assert.NoError(t, l.Close())
}

func TestOpenRequestLog_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	for range 2 {
		l, err := OpenRequestLog(path)
		require.NoError(t, err)
		require.NoError(t, l.LogRequest("x", Request{Prompt: []int{1}}, epoch))
		require.NoError(t, l.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, readLog(t, bytes.NewBuffer(data)), 2)
}
