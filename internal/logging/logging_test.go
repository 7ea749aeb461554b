package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "debug", Format: "json"}, "cap-rebalancer", &buf)
	logger.Debug().Str("ticker", "AAPL").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cap-rebalancer", line["app"])
	assert.Equal(t, "AAPL", line["ticker"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewLoggerLevelFallback(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "nonsense"}, "", &buf)
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger.Debug().Msg("dropped")
	assert.Zero(t, buf.Len())
}

func TestWriterFor(t *testing.T) {
	assert.Equal(t, os.Stderr, writerFor("STDERR"))
	assert.Equal(t, os.Stdout, writerFor(""))
}
