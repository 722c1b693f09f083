package logger

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxLogValueLength bounds producer-controlled values such as failure
// reasons or URLs in a single log line.
const maxLogValueLength = 512

// SanitizeForLog escapes control characters so values read from the queue
// cannot forge log lines or drive the terminal. Printable Unicode is kept.
// Values longer than maxLogValueLength are cut and marked with "...".
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	written := 0
	for _, r := range s {
		if written >= maxLogValueLength {
			b.WriteString("...")
			break
		}
		written++

		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == utf8.RuneError:
			b.WriteString(`�`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
