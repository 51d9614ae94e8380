package composer

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"
)

var errMediaEmpty = errors.New("composer: media must contain audio or video")

// Media describes one recorded file on the compose timeline. StartTime is the
// millisecond offset from the timeline zero point; Duration and AudioChannels
// are filled by the probe step. ID is the input sequence number, assigned only
// after all media of a compose run are sorted by StartTime.
type Media struct {
	Path      string
	HasAudio  bool
	HasVideo  bool
	IsScreen  bool
	StartTime int64

	Duration      int64
	AudioChannels int
	ID            int
}

func newMedia(path string, startTime int64, hasAudio, hasVideo, isScreen bool) (*Media, error) {
	if !hasAudio && !hasVideo {
		return nil, errMediaEmpty
	}

	return &Media{
		Path:      path,
		StartTime: startTime,
		HasAudio:  hasAudio,
		HasVideo:  hasVideo,
		IsScreen:  isScreen,
		ID:        -1,
	}, nil
}

// EndTime is the exclusive end of the media interval on the timeline.
func (m *Media) EndTime() int64 {
	return m.StartTime + m.Duration
}

// captureEpoch extracts the millisecond-epoch capture start embedded in a
// recorded filename before its extension.
func captureEpoch(path string) (int64, error) {
	name := filepath.Base(path)
	stem, _, _ := strings.Cut(name, ".")

	epoch, err := strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, errors.New("composer: filename does not embed a capture epoch: " + name)
	}

	return epoch, nil
}
