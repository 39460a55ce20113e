package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_FormatAndLevel(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	log := New("ledger").WithOutput(&buf)

	log.Debugf("hidden %d", 1)
	log.Infof("recorded %s", "u-1/bike")
	log.With("scores").Warnf("divergence")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INFO  [ledger] recorded u-1/bike")
	assert.Contains(t, lines[1], "WARN  [scores] divergence")
}

func TestLogger_WithLevel(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	log := New("").WithOutput(&buf).WithLevel(LevelError)

	log.Warnf("dropped")
	log.Errorf("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "ERROR kept")

	buf.Reset()
	debug := New("x").WithOutput(&buf).WithLevel(LevelDebug)
	debug.Debugf("visible")
	assert.Contains(t, buf.String(), "DEBUG [x] visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
}

func TestLogger_NilAndDiscard(t *testing.T) {
	var log *Logger
	assert.NotPanics(t, func() { log.Infof("nothing") })
	assert.NotPanics(t, func() { Discard().Errorf("gone") })
}

func TestLogger_ConcurrentLinesDoNotInterleave(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	root := New("a").WithOutput(&buf)
	other := root.With("b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); root.Infof("one") }()
		go func() { defer wg.Done(); other.Infof("two") }()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.True(t, strings.HasSuffix(line, "[a] one") || strings.HasSuffix(line, "[b] two"), line)
	}
}
