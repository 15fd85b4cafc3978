package httpserver

import "github.com/al-bashkir/pentest-console/internal/logsanitize"

// sanitizeLog cleans request-derived values before they reach the log.
func sanitizeLog(s string) string {
	return logsanitize.Sanitize(s)
}
