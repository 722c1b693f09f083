package logger

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "job id unchanged", input: "J1", expected: "J1"},
		{name: "video url unchanged", input: "https://cdn.example.com/game 1.mp4?sig=a%2Fb", expected: "https://cdn.example.com/game 1.mp4?sig=a%2Fb"},
		{name: "empty string", input: "", expected: ""},
		{name: "newline escaped", input: "line1\nline2", expected: `line1\nline2`},
		{name: "CRLF escaped", input: "line1\r\nline2", expected: `line1\r\nline2`},
		{name: "tab escaped", input: "col1\tcol2", expected: `col1\tcol2`},
		{name: "null byte escaped", input: "before\x00after", expected: `before\x00after`},
		{name: "ANSI escape code escaped", input: "text\x1b[31mred", expected: `text\x1b[31mred`},
		{name: "bell escaped", input: "alert\x07bell", expected: `alert\x07bell`},
		{name: "DEL escaped", input: "delete\x7fchar", expected: `delete\x7fchar`},
		{name: "unicode preserved", input: "café 中文 👋", expected: "café 中文 👋"},
		{name: "invalid utf8 replaced", input: "bad\xffbyte", expected: "bad�byte"},
		{
			name:     "forged log entry",
			input:    "J1\nERROR: job J2 failed",
			expected: `J1\nERROR: job J2 failed`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeForLog(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeForLog_AllControlChars(t *testing.T) {
	for i := 0; i < 32; i++ {
		result := SanitizeForLog(string(rune(i)))
		if !strings.HasPrefix(result, `\`) {
			t.Errorf("control char 0x%02x not escaped: got %q", i, result)
		}
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	input := strings.Repeat("a", maxLogValueLength+100)

	result := SanitizeForLog(input)

	if want := strings.Repeat("a", maxLogValueLength) + "..."; result != want {
		t.Errorf("expected truncation to %d runes plus marker, got %d bytes", maxLogValueLength, len(result))
	}
	if exact := strings.Repeat("b", maxLogValueLength); SanitizeForLog(exact) != exact {
		t.Errorf("value of exactly %d runes should not be truncated", maxLogValueLength)
	}
}

func TestSetLevel(t *testing.T) {
	defer SetLevel("info")

	SetLevel("debug")
	if Debug.Writer() == nil {
		t.Fatal("debug writer should be set")
	}
	SetLevel("error")
	if Info.Writer() == Error.Writer() {
		t.Error("info should be silenced at error level")
	}
}

func BenchmarkSanitizeForLog(b *testing.B) {
	inputs := map[string]string{
		"clean":  "https://cdn.example.com/videos/game.mp4",
		"attack": "J1\nERROR: fake\x1b[31mred\x1b[0m",
	}
	for name, input := range inputs {
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = SanitizeForLog(input)
			}
		})
	}
}
