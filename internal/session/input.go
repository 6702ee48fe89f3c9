package session

import "strings"

var newlineReplacer = strings.NewReplacer("\r\n", "\r", "\n", "\r")

// NormalizeNewlines turns every CRLF, LF and lone CR into a single CR, which
// is what a terminal sends for Enter. Every other byte, including escape
// sequences and control characters, passes through unchanged.
func NormalizeNewlines(data string) string {
	if !strings.ContainsRune(data, '\n') {
		return data
	}
	return newlineReplacer.Replace(data)
}
