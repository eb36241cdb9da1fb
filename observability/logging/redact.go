package logging

import (
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// MaskField logs key with its value hidden. Blank values stay visible so an
// unset credential is distinguishable from a configured one.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	return slog.String(key, redacted)
}
