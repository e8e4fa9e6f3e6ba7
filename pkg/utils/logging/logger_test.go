package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger_WritesDebugJSONToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := InitLogger("test", WithDir(dir), WithConsoleLevel(zapcore.ErrorLevel))
	require.NoError(t, err)

	logger.Debug("assignment committed", zap.String("request_id", "Q1"))
	_ = logger.Sync()

	files, err := filepath.Glob(filepath.Join(dir, "test_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
	assert.Equal(t, "assignment committed", entry["msg"])
	assert.Equal(t, "Q1", entry["request_id"])
	assert.Equal(t, "test", entry["env"])
	assert.True(t, strings.HasPrefix(entry["timestamp"].(string), "20"))
}
