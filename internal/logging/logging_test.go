package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"trace":    zerolog.TraceLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"fatal":    zerolog.FatalLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
		" DEBUG ":  zerolog.DebugLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")

	logger := Init(Config{Format: "json", Level: "info", FilePath: path})
	logger.Info().Str("check", "file-output").Msg("hello")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"check":"file-output"`)
}

func TestInitComponentField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")

	logger := Init(Config{Format: "json", Component: "monitor", FilePath: path})
	logger.Info().Msg("tick")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"monitor"`)
}

func TestRollingFileWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")

	w := &rollingFileWriter{path: path, maxBytes: 64}
	require.NoError(t, w.openLocked())
	defer w.Close()

	line := strings.Repeat("x", 40) + "\n"
	_, err := w.Write([]byte(line))
	require.NoError(t, err)
	_, err = w.Write([]byte(line)) // exceeds 64 bytes, forces rotation
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "engine.log.") {
			rotated++
		}
	}
	assert.Equal(t, 1, rotated)
}

func TestCleanupOldFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")
	old := path + ".20200101-000000"
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0o600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	w := &rollingFileWriter{path: path, maxAge: 24 * time.Hour}
	w.cleanupOldFiles()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestValidateExistingRegularFileRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.log")
	require.NoError(t, os.WriteFile(target, nil, 0o600))
	link := filepath.Join(dir, "link.log")
	require.NoError(t, os.Symlink(target, link))

	assert.Error(t, validateExistingRegularFile(link))
	assert.NoError(t, validateExistingRegularFile(target))
	assert.NoError(t, validateExistingRegularFile(filepath.Join(dir, "missing.log")))
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx2, id2 := WithRequestID(ctx, "fixed-id")
	assert.Equal(t, "fixed-id", id2)
	assert.Equal(t, "fixed-id", RequestID(ctx2))
}
