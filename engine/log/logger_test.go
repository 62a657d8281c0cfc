package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetSink(&buf)
	defer SetSink(os.Stdout)

	prev := CurrentLevel()
	defer SetLevel(prev)

	logger := New("logtest")

	SetLevel(Warning)
	logger.Info("hidden")
	logger.Warning("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "[logtest]")

	buf.Reset()
	SetLevel(Debug)
	logger.Debugf("value=%d", 7)
	assert.Contains(t, buf.String(), "value=7")
}

func TestSetSinkKeepsLevel(t *testing.T) {
	prev := CurrentLevel()
	defer SetLevel(prev)

	SetLevel(Error)
	var buf bytes.Buffer
	SetSink(&buf)
	defer SetSink(os.Stdout)

	New("logtest").Notice("dropped")
	assert.Empty(t, buf.String())
	assert.Equal(t, Error, CurrentLevel())
}
