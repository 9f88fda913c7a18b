package logger

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Level: "loud"}.Validate())
	assert.Error(t, Config{Level: "info", Format: "xml"}.Validate())
	assert.Error(t, Config{Level: "info", Outputs: []string{"file"}}.Validate())
	assert.Error(t, Config{Level: "info", Outputs: []string{"syslog"}}.Validate())
}

func TestFileOutputWritesJSONEvents(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:      "debug",
		Outputs:    []string{"file"},
		OutputFile: filepath.Join(dir, "logs", "moneybot.log"),
		ErrorFile:  filepath.Join(dir, "logs", "error.log"),
		Format:     "json",
	}
	l, err := New(cfg)
	require.NoError(t, err)

	l.LogOrder("submitted", "abc", zap.String("symbol", "BTCUSDT"))
	l.LogPortfolio("snapshot", 1000, 1, 2)
	l.LogError(errors.New("boom"), zap.String("op", "save"))
	l.LogError(nil)
	require.NoError(t, l.Close())

	lines := readLines(t, cfg.OutputFile)
	require.Len(t, lines, 3)
	assert.Equal(t, "order_event", lines[0]["msg"])
	assert.Equal(t, "abc", lines[0]["order_id"])
	assert.Equal(t, "BTCUSDT", lines[0]["symbol"])
	assert.Equal(t, 1000.0, lines[1]["equity"])

	errLines := readLines(t, cfg.ErrorFile)
	require.Len(t, errLines, 1)
	assert.Equal(t, "boom", errLines[0]["error"])
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(Config{Level: "warn", Outputs: []string{"file"}, OutputFile: path})
	require.NoError(t, err)
	l.LogTrade("fill")
	l.LogRisk("halted", zap.String("reason", "drawdown"))
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "risk_event", lines[0]["msg"])
	assert.Equal(t, "warn", lines[0]["level"])
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.Named("engine").LogTrade("noop")
	assert.NoError(t, l.Close())
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var res []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		res = append(res, m)
	}
	return res
}
