// Package composer reconstructs a synchronized timeline from the files of a
// recording session and drives a single external encode producing one
// playback video.
package composer

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/exp/slices"

	"github.com/waveroom/meet/pkg/recording"
)

// Config controls the encode of a compose run.
type Config struct {
	// OutputDir is where the composed <meetingId>.mp4 is written.
	OutputDir string
	// FFmpegPath is the encoder executable, "ffmpeg" when empty.
	FFmpegPath string
	// Size is the output frame size.
	Size Size
	// CRF is the constant-rate-factor passed to the encoder. Ignored when
	// Bitrate is set.
	CRF int
	// Bitrate overrides CRF when non-empty, e.g. "2500k".
	Bitrate string
	// LogLevel is passed to the encoder's -v flag; empty selects quiet mode.
	LogLevel string
	// EncodeTimeout bounds the external encode invocation.
	EncodeTimeout time.Duration

	Prober Prober
	// Uploader, when set, pushes the finished file to object storage.
	Uploader *Uploader
}

// DefaultConfig returns the encoding defaults: 1280x720, crf 22, two hour
// encode bound.
func DefaultConfig() Config {
	return Config{
		OutputDir:     "recordings",
		Size:          Size{W: 1280, H: 720},
		CRF:           22,
		EncodeTimeout: 2 * time.Hour,
		Prober:        &FFprobe{},
	}
}

// Composer turns a persisted recording script into one muxed playback file.
// It is independent of the live path and safe to run in a separate process.
type Composer struct {
	cfg Config
	log logging.LeveledLogger
}

func New(cfg Config, loggerFactory logging.LoggerFactory) *Composer {
	if cfg.Prober == nil {
		cfg.Prober = &FFprobe{}
	}

	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &Composer{
		cfg: cfg,
		log: loggerFactory.NewLogger("composer"),
	}
}

// Compose loads the script at scriptPath, probes and sorts its media, builds
// the step timeline and filter graph, and invokes the encode. A probe or
// encode failure aborts only this invocation; partial outputs are not
// cleaned up.
func (c *Composer) Compose(ctx context.Context, scriptPath string) error {
	script, err := recording.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	medias, err := c.loadMedia(ctx, script)
	if err != nil {
		return err
	}

	if len(medias) == 0 {
		return fmt.Errorf("composer: script %s lists no media", scriptPath)
	}

	steps := BuildSteps(medias, c.cfg.Size, script.Recorder.Name)

	filter := buildFilterScript(steps)
	outputPath := filepath.Join(c.cfg.OutputDir, script.MeetingID+".mp4")

	c.log.Infof("composer: composing %d files into %s [steps:%d]", len(medias), outputPath, len(steps))

	if err := c.encode(ctx, medias, filter, outputPath); err != nil {
		return err
	}

	if c.cfg.Uploader != nil {
		if err := c.cfg.Uploader.Upload(ctx, outputPath, script.MeetingID+".mp4"); err != nil {
			return err
		}
	}

	return nil
}

// loadMedia builds the media set of a compose run: the zero point is the
// earliest capture epoch among video and screen files (audio never anchors
// the clock), probes run concurrently, and sequence ids are assigned after
// sorting by start offset.
func (c *Composer) loadMedia(ctx context.Context, script *recording.Script) ([]*Media, error) {
	if len(script.Videos)+len(script.Screens) == 0 {
		return nil, fmt.Errorf("composer: script %s has no video or screen capture to anchor the timeline", script.MeetingID)
	}

	zero := int64(math.MaxInt64)
	for _, path := range append(slices.Clone(script.Videos), script.Screens...) {
		epoch, err := captureEpoch(path)
		if err != nil {
			return nil, err
		}

		if epoch < zero {
			zero = epoch
		}
	}

	var medias []*Media

	add := func(paths []string, hasAudio, hasVideo, isScreen bool) error {
		for _, path := range paths {
			epoch, err := captureEpoch(path)
			if err != nil {
				return err
			}

			m, err := newMedia(path, epoch-zero, hasAudio, hasVideo, isScreen)
			if err != nil {
				return err
			}

			medias = append(medias, m)
		}

		return nil
	}

	if err := add(script.Videos, false, true, false); err != nil {
		return nil, err
	}

	if err := add(script.Screens, false, true, true); err != nil {
		return nil, err
	}

	if err := add(script.Audios, true, false, false); err != nil {
		return nil, err
	}

	if err := c.probeAll(ctx, medias); err != nil {
		return nil, err
	}

	slices.SortStableFunc(medias, func(a, b *Media) int {
		return int(a.StartTime - b.StartTime)
	})

	for i, m := range medias {
		m.ID = i
	}

	return medias, nil
}

// probeAll fills duration and channel counts. The probes are independent I/O
// and run in parallel; the first failure aborts the run.
func (c *Composer) probeAll(ctx context.Context, medias []*Media) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, m := range medias {
		wg.Add(1)

		go func(m *Media) {
			defer wg.Done()

			duration, err := c.cfg.Prober.Duration(ctx, m.Path)
			if err == nil && m.HasAudio {
				var channels int
				channels, err = c.cfg.Prober.AudioChannels(ctx, m.Path)
				m.AudioChannels = channels
			}

			if err != nil {
				c.log.Errorf("composer: failed to probe %s: %v", m.Path, err)

				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()

				return
			}

			m.Duration = duration.Milliseconds()
		}(m)
	}

	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// buildFilterScript concatenates every step's fragment and the final concat
// line mapping the combined [vid]/[aud] outputs.
func buildFilterScript(steps []*Step) string {
	var out strings.Builder

	for _, step := range steps {
		out.WriteString(step.Filter())
	}

	for _, step := range steps {
		fmt.Fprintf(&out, "[%s_out_v][%s_out_a]", step.ID, step.ID)
	}

	fmt.Fprintf(&out, "concat=n=%d:v=1:a=1[vid][aud]", len(steps))

	return out.String()
}

// encode runs the single external encode: every source file as an input, the
// filter script piped to stdin, bounded by EncodeTimeout.
func (c *Composer) encode(ctx context.Context, medias []*Media, filter, outputPath string) error {
	if c.cfg.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.EncodeTimeout)
		defer cancel()
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args := []string{}
	if c.cfg.LogLevel != "" {
		args = append(args, "-v", c.cfg.LogLevel)
	} else {
		args = append(args, "-v", "quiet", "-stats")
	}

	for _, m := range medias {
		args = append(args, "-i", m.Path)
	}

	args = append(args, "-filter_complex_script", "pipe:0")

	if c.cfg.Bitrate != "" {
		args = append(args, "-c:v", "libx264", "-b:v", c.cfg.Bitrate)
	} else {
		args = append(args, "-c:v", "libx264", "-crf", strconv.Itoa(c.cfg.CRF))
	}

	args = append(args,
		"-preset", "fast",
		"-map", "[vid]",
		"-map", "[aud]",
		"-y", outputPath,
	)

	ffmpegPath := c.cfg.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Stdin = strings.NewReader(filter)

	if out, err := cmd.CombinedOutput(); err != nil {
		c.log.Errorf("composer: encode failed: %v: %s", err, string(out))
		return fmt.Errorf("encode failed: %w", err)
	}

	c.log.Infof("composer: encode finished [output:%s]", outputPath)

	return nil
}
