package composer

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober inspects recorded files. Probes are independent I/O and run
// concurrently during a compose run.
type Prober interface {
	// Duration returns the playable length of the file.
	Duration(ctx context.Context, path string) (time.Duration, error)
	// AudioChannels returns the channel count of the first audio stream.
	AudioChannels(ctx context.Context, path string) (int, error)
}

// FFprobe probes files with the ffprobe executable.
type FFprobe struct {
	// Path is the probe executable, "ffprobe" when empty.
	Path string
}

func (p *FFprobe) Duration(ctx context.Context, path string) (time.Duration, error) {
	out, err := p.entry(ctx, path, "format=duration")
	if err != nil {
		return 0, err
	}

	seconds, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration of %s: %w", path, err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

func (p *FFprobe) AudioChannels(ctx context.Context, path string) (int, error) {
	out, err := p.entry(ctx, path, "stream=channels")
	if err != nil {
		return 0, err
	}

	// A file with several streams reports one line per stream; the first
	// audio stream is the captured one.
	out, _, _ = strings.Cut(out, "\n")

	channels, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("failed to parse channel count of %s: %w", path, err)
	}

	return channels, nil
}

func (p *FFprobe) entry(ctx context.Context, path, entry string) (string, error) {
	probePath := p.Path
	if probePath == "" {
		probePath = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, probePath,
		"-v", "error",
		"-show_entries", entry,
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ffprobe %s failed for %s: %w", entry, path, err)
	}

	return strings.TrimSpace(string(out)), nil
}
