package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsSilent(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.With(String("a", "b")).Error("nothing") })
	assert.False(t, Nop().IsZero())
}

func TestWriterFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "test"))
	l.Debug("hidden")
	l.Info("shown", Int("n", 3), Err(nil), Strs("tags", []string{"a"}))

	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, "test", lines[0]["comp"])
	assert.EqualValues(t, 3, lines[0]["n"])
	assert.NotContains(t, lines[0], "err")
	assert.Contains(t, lines[0]["caller"], "logx_test.go:")
}

func TestWithDoesNotAlias(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "b")
}

func TestServiceApplySwitchesFileSink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log = log.With(String("comp", "svc"))

	log.Debug("dropped")
	log.Info("one")
	require.NoError(t, svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}))
	log.Debug("two")

	b1, err := os.ReadFile(first)
	require.NoError(t, err)
	b2, err := os.ReadFile(second)
	require.NoError(t, err)

	l1 := decodeLines(t, string(b1))
	require.Len(t, l1, 1)
	assert.Equal(t, "one", l1[0]["message"])
	l2 := decodeLines(t, string(b2))
	require.Len(t, l2, 1)
	assert.Equal(t, "two", l2[0]["message"])
	assert.Equal(t, "svc", l2[0]["comp"])
}

func TestServiceApplyReportsUnopenableFile(t *testing.T) {
	svc, _ := New(Config{Level: "info"})
	defer svc.Close()
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "x.log")}})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "warn", parseLevel(" WARNING ", 0).String())
	assert.Equal(t, "info", parseLevel("bogus", parseLevel("info", 0)).String())
}
