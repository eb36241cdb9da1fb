package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskField(t *testing.T) {
	attr := MaskField("secret", "hunter2")
	require.Equal(t, "secret", attr.Key)
	require.Equal(t, redacted, attr.Value.String())
	require.Empty(t, MaskField("secret", "").Value.String())
	require.Equal(t, "  ", MaskField("secret", "  ").Value.String())
}

func TestNewHandlerFieldNames(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, ParseLevel("warning")))
	logger.Info("hidden")
	logger.Warn("shown", MaskField("auth_token", "abc"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, redacted, line["auth_token"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
