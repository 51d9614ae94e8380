package composer

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// maxNameRunes bounds the display name drawn on placeholder tiles.
const maxNameRunes = 12

// placeholderColor is the background of the synthetic tile shown when no
// camera video is active.
const placeholderColor = "#262626"

// Step is one contiguous segment of the compose timeline together with the
// media active during it. The ordered steps of a compose run exactly
// partition the union of all media intervals; each step contributes one
// labeled video and one labeled audio output to the filter graph.
type Step struct {
	ID          string
	Media       []*Media
	StartTime   int64
	Duration    int64
	Size        Size
	DisplayName string

	layout Layout
}

func newStep(index int, media []*Media, startTime, endTime int64, size Size, displayName string) *Step {
	id := fmt.Sprintf("Seq%d", index)

	name := id
	if displayName != "" {
		name = truncateName(displayName, maxNameRunes)
	}

	return &Step{
		ID:          id,
		Media:       media,
		StartTime:   startTime,
		Duration:    endTime - startTime,
		Size:        size,
		DisplayName: name,
		layout:      PresenterLayout{},
	}
}

// Filter renders this step's fragment of the filter graph: a background
// canvas, the video layout of the active media, and the step's audio mix. The
// fragment produces the labeled outputs [<id>_out_v] and [<id>_out_a].
func (s *Step) Filter() string {
	var out strings.Builder

	videos := make([]*Media, 0, len(s.Media))
	for _, m := range s.Media {
		if m.HasVideo {
			videos = append(videos, m)
		}
	}

	// A screen-share always leads the layout.
	screenIdx := slices.IndexFunc(videos, func(m *Media) bool { return m.IsScreen })
	if screenIdx > 0 {
		screen := videos[screenIdx]
		videos = slices.Delete(videos, screenIdx, screenIdx+1)
		videos = slices.Insert(videos, 0, screen)
	}

	hasScreen := screenIdx >= 0

	// Background canvas the videos are drawn onto.
	fmt.Fprintf(&out, "color=s=%dx%d,trim=0:%s[%s_bg];", s.Size.W, s.Size.H, sec(s.Duration), s.ID)

	switch {
	case hasScreen:
		screenBox := s.layout.ScreenBox(s.Size)
		camBox := s.layout.CamBox(s.Size)

		out.WriteString(s.trimScale(videos[0], screenBox, s.ID+"_0_v"))

		if len(videos) > 1 {
			out.WriteString(s.trimScale(videos[1], camBox, s.ID+"_1_v"))
		} else {
			// No live camera next to the screen-share: a placeholder tile
			// bearing the recorder's name substitutes for the inset.
			out.WriteString(s.placeholder(camBox, s.ID+"_1_v"))
		}

		out.WriteString(s.overlay(s.ID+"_bg", s.ID+"_0_v", screenBox, s.ID+"_overlay_1"))
		out.WriteString(s.overlay(s.ID+"_overlay_1", s.ID+"_1_v", camBox, s.ID+"_out_v"))

	case len(videos) == 1:
		box := fullFrame(s.Size)
		out.WriteString(s.trimScale(videos[0], box, s.ID+"_0_v"))
		out.WriteString(s.overlay(s.ID+"_bg", s.ID+"_0_v", box, s.ID+"_out_v"))

	default:
		box := fullFrame(s.Size)
		out.WriteString(s.placeholder(box, s.ID+"_0_v"))
		out.WriteString(s.overlay(s.ID+"_bg", s.ID+"_0_v", box, s.ID+"_out_v"))
	}

	out.WriteString(s.audioFilter())

	return out.String()
}

// trimScale cuts the media to the step window, resets timestamps and scales
// it into the box preserving the source aspect ratio: the wider of source and
// box decides which dimension is pinned.
func (s *Step) trimScale(m *Media, box Box, label string) string {
	from := s.StartTime - m.StartTime
	to := s.Duration + s.StartTime - m.StartTime

	return fmt.Sprintf("[%d:v]trim=%s:%s,setpts=PTS-STARTPTS,%s[%s];",
		m.ID, sec(from), sec(to), scaleExpr(box), label)
}

// placeholder draws a solid tile with the display name centered, then scales
// it into the box like any other video.
func (s *Step) placeholder(box Box, label string) string {
	return fmt.Sprintf("color=s=%dx%d:c=%s@1.0,trim=0:%s,drawtext=text='%s':x=(w-tw)/2:y=((h-th)/2):fontcolor=white:fontsize=55,%s[%s];",
		s.Size.W, s.Size.H, placeholderColor, sec(s.Duration), s.DisplayName, scaleExpr(box), label)
}

func (s *Step) overlay(under, over string, box Box, label string) string {
	return fmt.Sprintf("[%s][%s]overlay=x='(%d-w)/2+%d':y='(%d-h)/2+%d':eval=init:shortest=1[%s];",
		under, over, box.W, box.X, box.H, box.Y, label)
}

// audioFilter trims every active stream to the step window and remaps the mix
// to stereo. Six-channel sources downmix with fixed weights (0.4 front,
// 0.6 rear per output channel); other channel counts sum unweighted. An empty
// active set substitutes silence for the step's duration.
func (s *Step) audioFilter() string {
	audios := make([]*Media, 0, len(s.Media))
	for _, m := range s.Media {
		if m.HasAudio {
			audios = append(audios, m)
		}
	}

	if len(audios) == 0 {
		return fmt.Sprintf("anullsrc=r=48000:cl=stereo,atrim=0:%s,asetpts=PTS-STARTPTS[%s_out_a];",
			sec(s.Duration), s.ID)
	}

	var out strings.Builder

	for _, m := range audios {
		from := s.StartTime - m.StartTime
		to := s.Duration + s.StartTime - m.StartTime
		fmt.Fprintf(&out, "[%d:a]atrim=%s:%s,asetpts=PTS-STARTPTS[%s_%d_a];",
			m.ID, sec(from), sec(to), s.ID, m.ID)
	}

	var (
		inputs strings.Builder
		c0     strings.Builder
		c1     strings.Builder
	)

	channelIdx := 0
	for i, m := range audios {
		fmt.Fprintf(&inputs, "[%s_%d_a]", s.ID, m.ID)

		plus := "+"
		if i == len(audios)-1 {
			plus = ""
		}

		if m.AudioChannels == 6 {
			fmt.Fprintf(&c0, "0.4*c%d+0.6*c%d%s", channelIdx, channelIdx+2, plus)
			fmt.Fprintf(&c1, "0.4*c%d+0.6*c%d%s", channelIdx+1, channelIdx+2, plus)
		} else {
			fmt.Fprintf(&c0, "c%d%s", channelIdx, plus)
			fmt.Fprintf(&c1, "c%d%s", channelIdx+1, plus)
		}

		channelIdx += m.AudioChannels
	}

	fmt.Fprintf(&out, "%samerge=inputs=%d,pan='stereo|c0<%s|c1<%s'[%s_out_a];",
		inputs.String(), len(audios), c0.String(), c1.String(), s.ID)

	return out.String()
}

// scaleExpr fits into the box comparing source and box aspect ratios at
// render time: wider sources pin the width, taller sources pin the height.
func scaleExpr(box Box) string {
	return fmt.Sprintf("scale=w='if(gt(iw/ih,%d/(%d)),%d,-2)':h='if(gt(iw/ih,%d/(%d)),-2,%d)':eval=init",
		box.W, box.H, box.W, box.W, box.H, box.H)
}

// sec formats a millisecond offset as seconds for filter expressions.
func sec(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', -1, 64)
}

func truncateName(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}

	return string(runes[:max])
}
