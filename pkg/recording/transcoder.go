package recording

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"

	"github.com/waveroom/meet/pkg/engine"
)

// Process is one external encoder bound to a single captured stream. The
// default implementation spawns ffmpeg; tests substitute fakes.
type Process interface {
	// OutputPath is the file the process writes the captured stream to.
	OutputPath() string
	// Kill terminates the process. Kill is idempotent.
	Kill()
}

// ProcessFactory starts encoder processes for captured streams.
type ProcessFactory interface {
	Start(ctx context.Context, roomID string, kind engine.MediaKind, rtpPort int) (Process, error)
}

// FFmpegFactory spawns one ffmpeg per captured stream, reading RTP from the
// allocated port via an SDP descriptor on stdin.
type FFmpegFactory struct {
	// FFmpegPath is the encoder executable, "ffmpeg" when empty.
	FFmpegPath string
	// OutputDir is the root directory recordings are written under, one
	// subdirectory per room.
	OutputDir string

	Log logging.LeveledLogger
}

func (f *FFmpegFactory) Start(ctx context.Context, roomID string, kind engine.MediaKind, rtpPort int) (Process, error) {
	outputDir := filepath.Join(f.OutputDir, roomID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	ext := ".webm"
	if kind == engine.MediaKindAudio {
		ext = ".wav"
	}

	// The capture start is embedded in the filename, the composer aligns the
	// timeline from it.
	outputPath := filepath.Join(outputDir, fmt.Sprintf("%d%s", time.Now().UnixMilli(), ext))

	args := []string{
		"-loglevel", "error",
		"-protocol_whitelist", "pipe,udp,rtp",
		"-fflags", "+genpts",
		"-f", "sdp",
		"-i", "pipe:0",
	}

	if kind == engine.MediaKindAudio {
		args = append(args, "-af", "aresample=async=1", "-map", "0:a:0", "-strict", "-2")
	} else {
		args = append(args, "-map", "0:v:0", "-c:v", "copy")
	}

	args = append(args, outputPath)

	descriptor, err := bridgeDescription(kind, rtpPort)
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge descriptor: %w", err)
	}

	ffmpegPath := f.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open transcoder stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	proc := &ffmpegProcess{
		cmd:        cmd,
		outputPath: outputPath,
		log:        f.Log,
	}

	go func() {
		defer stdin.Close()

		if _, err := stdin.Write(descriptor); err != nil {
			f.Log.Errorf("recording: failed to feed descriptor to transcoder: %v", err)
		}
	}()

	go proc.wait()

	f.Log.Infof("recording: transcoder started [pid:%d kind:%s port:%d output:%s]",
		cmd.Process.Pid, kind, rtpPort, outputPath)

	return proc, nil
}

type ffmpegProcess struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	outputPath string
	killed     bool
	exited     bool
	log        logging.LeveledLogger
}

func (p *ffmpegProcess) OutputPath() string {
	return p.outputPath
}

// Kill interrupts the process so ffmpeg can flush trailers and exit cleanly.
// Safe to call multiple times and safe to race with process exit.
func (p *ffmpegProcess) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.killed || p.exited {
		return
	}

	p.killed = true

	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		p.log.Warnf("recording: failed to signal transcoder [pid:%d]: %v", p.cmd.Process.Pid, err)
	}
}

func (p *ffmpegProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	killed := p.killed
	p.mu.Unlock()

	if err != nil && !killed {
		// An unexpected exit abandons only this capture, sibling captures
		// keep running.
		p.log.Errorf("recording: transcoder exited unexpectedly [output:%s]: %v", p.outputPath, err)
		return
	}

	p.log.Infof("recording: transcoder finished [output:%s]", p.outputPath)
}
