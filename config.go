package meet

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/waveroom/meet/pkg/composer"
)

// RecorderConfig configures the capture side of recording: port range,
// transcoder binary and the host addresses plain transports bridge through.
type RecorderConfig struct {
	OutputDir  string `toml:"output_dir"`
	TargetIP   string `toml:"target_ip"`
	ListenIP   string `toml:"listen_ip"`
	MinPort    int    `toml:"min_port"`
	MaxPort    int    `toml:"max_port"`
	FFmpegPath string `toml:"ffmpeg_path"`

	KeyframeDelayMS     int `toml:"keyframe_delay_ms"`
	ComposeGraceDelayMS int `toml:"compose_grace_delay_ms"`
}

func (c RecorderConfig) KeyframeDelay() time.Duration {
	return time.Duration(c.KeyframeDelayMS) * time.Millisecond
}

func (c RecorderConfig) ComposeGraceDelay() time.Duration {
	return time.Duration(c.ComposeGraceDelayMS) * time.Millisecond
}

// ComposeConfig configures offline composition of recorded captures.
type ComposeConfig struct {
	OutputDir   string `toml:"output_dir"`
	FFmpegPath  string `toml:"ffmpeg_path"`
	FFprobePath string `toml:"ffprobe_path"`
	// APIDomain is the public base URL record links are built from, with a
	// trailing slash.
	APIDomain string `toml:"api_domain"`

	Width   int    `toml:"width"`
	Height  int    `toml:"height"`
	CRF     int    `toml:"crf"`
	Bitrate string `toml:"bitrate"`
	// EncodeTimeoutMinutes bounds one encode run; 0 keeps the default.
	EncodeTimeoutMinutes int    `toml:"encode_timeout_minutes"`
	LogLevel             string `toml:"log_level"`

	S3 *composer.S3Config `toml:"s3"`
}

// ComposerConfig maps the TOML section onto the composer package config.
// Upload is left to the caller since it needs a live client.
func (c ComposeConfig) ComposerConfig() composer.Config {
	cfg := composer.DefaultConfig()

	if c.OutputDir != "" {
		cfg.OutputDir = c.OutputDir
	}
	if c.FFmpegPath != "" {
		cfg.FFmpegPath = c.FFmpegPath
	}
	if c.FFprobePath != "" {
		cfg.Prober = &composer.FFprobe{Path: c.FFprobePath}
	}
	if c.Width > 0 && c.Height > 0 {
		cfg.Size = composer.Size{W: c.Width, H: c.Height}
	}
	if c.CRF > 0 {
		cfg.CRF = c.CRF
	}
	if c.Bitrate != "" {
		cfg.Bitrate = c.Bitrate
	}
	if c.EncodeTimeoutMinutes > 0 {
		cfg.EncodeTimeout = time.Duration(c.EncodeTimeoutMinutes) * time.Minute
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}

	return cfg
}

// Config is the full server configuration, loaded from a TOML file.
type Config struct {
	Recorder RecorderConfig `toml:"recorder"`
	Compose  ComposeConfig  `toml:"compose"`
}

func DefaultConfig() Config {
	return Config{
		Recorder: RecorderConfig{
			OutputDir:           "./records",
			TargetIP:            "127.0.0.1",
			ListenIP:            "127.0.0.1",
			MinPort:             20000,
			MaxPort:             30000,
			FFmpegPath:          "ffmpeg",
			KeyframeDelayMS:     1000,
			ComposeGraceDelayMS: 10_000,
		},
		Compose: ComposeConfig{
			OutputDir:   "./records/out",
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
			CRF:         20,
		},
	}
}

// LoadConfig reads a TOML config file over the defaults. Unknown keys are an
// error so typos surface at startup.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return cfg, nil
}
