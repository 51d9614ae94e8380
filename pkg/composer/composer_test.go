package composer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroom/meet/pkg/recording"
)

type fakeProber struct {
	durations map[string]time.Duration
	channels  map[string]int
}

func (p *fakeProber) Duration(_ context.Context, path string) (time.Duration, error) {
	return p.durations[path], nil
}

func (p *fakeProber) AudioChannels(_ context.Context, path string) (int, error) {
	return p.channels[path], nil
}

func TestLoadMediaZeroPoint(t *testing.T) {
	t.Parallel()

	// The earliest video or screen capture anchors the timeline; the audio
	// file's earlier epoch must not shift it.
	script := &recording.Script{
		Videos:  []string{"/rec/1000.webm"},
		Screens: []string{"/rec/500.webm"},
		Audios:  []string{"/rec/200.wav"},
	}

	prober := &fakeProber{
		durations: map[string]time.Duration{
			"/rec/1000.webm": 3 * time.Second,
			"/rec/500.webm":  4 * time.Second,
			"/rec/200.wav":   5 * time.Second,
		},
		channels: map[string]int{"/rec/200.wav": 2},
	}

	c := New(Config{Prober: prober, Size: Size{W: 1280, H: 720}}, nil)

	medias, err := c.loadMedia(context.Background(), script)
	require.NoError(t, err)
	require.Len(t, medias, 3)

	// Sorted by start offset, ids sequential.
	assert.Equal(t, "/rec/200.wav", medias[0].Path)
	assert.Equal(t, int64(-300), medias[0].StartTime)
	assert.Equal(t, "/rec/500.webm", medias[1].Path)
	assert.Equal(t, int64(0), medias[1].StartTime)
	assert.Equal(t, "/rec/1000.webm", medias[2].Path)
	assert.Equal(t, int64(500), medias[2].StartTime)

	for i, m := range medias {
		assert.Equal(t, i, m.ID)
	}

	assert.True(t, medias[1].IsScreen)
	assert.Equal(t, 2, medias[0].AudioChannels)
	assert.Equal(t, int64(5000), medias[0].Duration)
}

func TestLoadMediaAudioOnlyScript(t *testing.T) {
	t.Parallel()

	// With no video or screen capture there is nothing to anchor the clock
	// on, so the script is rejected outright.
	script := &recording.Script{Audios: []string{"/rec/200.wav"}}

	c := New(Config{Prober: &fakeProber{}}, nil)

	_, err := c.loadMedia(context.Background(), script)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no video or screen capture")
}

func TestLoadMediaRejectsBadFilename(t *testing.T) {
	t.Parallel()

	script := &recording.Script{Videos: []string{"/rec/not-an-epoch.webm"}}

	c := New(Config{Prober: &fakeProber{}}, nil)

	_, err := c.loadMedia(context.Background(), script)
	assert.Error(t, err)
}

func TestCaptureEpoch(t *testing.T) {
	t.Parallel()

	epoch, err := captureEpoch("/rec/room1/1700000000123.webm")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), epoch)

	_, err = captureEpoch("/rec/room1/script.json")
	assert.Error(t, err)
}

func TestNewMediaRequiresAStream(t *testing.T) {
	t.Parallel()

	_, err := newMedia("/rec/1.webm", 0, false, false, false)
	assert.ErrorIs(t, err, errMediaEmpty)
}

func TestBuildFilterScriptConcat(t *testing.T) {
	t.Parallel()

	medias := []*Media{
		mediaAt(0, 0, 1000, true),
		mediaAt(1, 1000, 1000, true),
	}

	steps := BuildSteps(medias, Size{W: 1280, H: 720}, "")
	require.Len(t, steps, 2)

	filter := buildFilterScript(steps)

	assert.Contains(t, filter, "[Seq0_out_v][Seq0_out_a][Seq1_out_v][Seq1_out_a]concat=n=2:v=1:a=1[vid][aud]")
}
