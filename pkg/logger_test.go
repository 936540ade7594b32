package pkg

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.Output = buf

	logger, err := New(cfg)
	require.NoError(t, err)
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "default config", cfg: nil},
		{name: "console format", cfg: func() *Config {
			c := DefaultConfig()
			c.Format = "console"
			c.Output = &bytes.Buffer{}
			return c
		}()},
		{name: "invalid level falls back to info", cfg: func() *Config {
			c := DefaultConfig()
			c.Level = "loud"
			return c
		}()},
		{name: "no outputs", cfg: func() *Config {
			c := DefaultConfig()
			c.Console.Enable = false
			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLogger_JSONOutput(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug")

	logger.Info().Str("node_id", "abcd1234").Int("port", 8440).Msg("node started")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "node started", lines[0]["message"])
	assert.Equal(t, "abcd1234", lines[0]["node_id"])
	assert.EqualValues(t, 8440, lines[0]["port"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, "warn")

	logger.Debug().Msg("hidden")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])

	require.NoError(t, logger.UpdateLevel("debug"))
	logger.Debug().Msg("now visible")
	assert.Len(t, decodeLines(t, buf), 2)

	assert.Error(t, logger.UpdateLevel("nonsense"))
}

func TestLogger_WithFields(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	child := logger.WithFields(Fields{"component": "stabilizer"})
	grandchild := child.WithFields(Fields{"node_id": "0a"})
	grandchild.Info().Msg("tick")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "stabilizer", lines[0]["component"])
	assert.Equal(t, "0a", lines[0]["node_id"])

	assert.Equal(t, Fields{"component": "stabilizer", "node_id": "0a"}, grandchild.Fields())
	assert.Equal(t, Fields{"component": "stabilizer"}, child.Fields(), "parent fields must not change")
}

func TestLogger_WithError(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	assert.Same(t, logger, logger.WithError(nil))

	logger.WithError(errors.New("peer unreachable")).Warn().Msg("rpc failed")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "peer unreachable", lines[0]["error"])
	assert.Equal(t, "*errors.errorString", lines[0]["error_type"])
}

func TestLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Msg("written to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestLogger_AsyncWrite(t *testing.T) {
	buf := &syncBuffer{}
	cfg := DefaultConfig()
	cfg.Output = buf
	cfg.AsyncWrite = true
	cfg.BufferSize = 128

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Msg("async entry")
	require.NoError(t, logger.Close())

	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "async entry")
	}, time.Second, 10*time.Millisecond)
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	require.NotNil(t, logger)
	logger.Error().Msg("discarded")
	assert.NoError(t, logger.Close())
}

// syncBuffer is a bytes.Buffer safe for the diode's background writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
