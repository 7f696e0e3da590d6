package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "info", "json"))

	logger.Debug("hidden")
	logger.Info("verification committed", "challenge_id", "c1", "score", 12000)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "verification committed", rec["msg"])
	assert.Equal(t, "c1", rec["challenge_id"])
	assert.EqualValues(t, 12000, rec["score"])
}

func TestNewHandler_TextAndBadLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "loud", "text"))

	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestStdlibLogger(t *testing.T) {
	var buf bytes.Buffer
	h := newHandler(&buf, "debug", "json")

	StdlibLogger(h, slog.LevelWarn).Println("http: TLS handshake error")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "http: TLS handshake error", rec["msg"])
}
