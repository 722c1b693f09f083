package logger

import (
	"io"
	"log"
	"os"
	"strings"
)

var (
	Info  *log.Logger
	Error *log.Logger
	Debug *log.Logger
	Warn  *log.Logger
)

const logFlags = log.Ldate | log.Ltime | log.LUTC | log.Lshortfile

func init() {
	Info = log.New(os.Stdout, "INFO: ", logFlags)
	Error = log.New(os.Stderr, "ERROR: ", logFlags)
	Debug = log.New(io.Discard, "DEBUG: ", logFlags)
	Warn = log.New(os.Stdout, "WARN: ", logFlags)
}

// SetLevel enables or silences loggers. Errors are always written.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		Debug.SetOutput(os.Stdout)
		Info.SetOutput(os.Stdout)
		Warn.SetOutput(os.Stdout)
	case "warn":
		Debug.SetOutput(io.Discard)
		Info.SetOutput(io.Discard)
		Warn.SetOutput(os.Stdout)
	case "error":
		Debug.SetOutput(io.Discard)
		Info.SetOutput(io.Discard)
		Warn.SetOutput(io.Discard)
	default:
		Debug.SetOutput(io.Discard)
		Info.SetOutput(os.Stdout)
		Warn.SetOutput(os.Stdout)
	}
}
