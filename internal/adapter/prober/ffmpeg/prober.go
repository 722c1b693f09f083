package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mitt-app/mitt-worker/internal/domain"
	"github.com/mitt-app/mitt-worker/internal/port"
)

var (
	ErrEmptyPath    = errors.New("empty input")
	ErrInvalidPath  = errors.New("input contains null byte")
	ErrOptionLike   = errors.New("input looks like a command-line option")
	ErrNoVideoTrack = errors.New("no video stream found")
)

// runFunc executes a binary and returns its stdout. Tests replace it.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Prober struct {
	binary string
	run    runFunc
}

func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary, run: execOutput}
}

func validatePath(input string) error {
	if input == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(input, 0) {
		return ErrInvalidPath
	}
	if strings.HasPrefix(input, "-") {
		return ErrOptionLike
	}
	return nil
}

// Probe runs ffprobe against a local path or a URL ffprobe can read.
func (p *Prober) Probe(ctx context.Context, input string) (*domain.ProbeResult, error) {
	if err := validatePath(input); err != nil {
		return nil, fmt.Errorf("invalid probe input: %w", err)
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	}
	output, err := p.run(ctx, p.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probe domain.ProbeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if probe.VideoStream() == nil {
		return nil, ErrNoVideoTrack
	}
	return &probe, nil
}

var _ port.VideoProber = (*Prober)(nil)
