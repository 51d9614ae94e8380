package recording

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveroom/meet/pkg/engine"
)

func TestBridgeDescription(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		kind   engine.MediaKind
		media  string
		format string
		rtpmap string
	}{
		{engine.MediaKindAudio, "audio", "100", "100 opus/48000/2"},
		{engine.MediaKindVideo, "video", "101", "101 VP8/90000"},
	} {
		t.Run(string(tc.kind), func(t *testing.T) {
			raw, err := bridgeDescription(tc.kind, 50002)
			require.NoError(t, err)

			var parsed sdp.SessionDescription
			require.NoError(t, parsed.Unmarshal(raw))

			require.Len(t, parsed.MediaDescriptions, 1)
			media := parsed.MediaDescriptions[0]

			assert.Equal(t, tc.media, media.MediaName.Media)
			assert.Equal(t, 50002, media.MediaName.Port.Value)
			assert.Equal(t, []string{tc.format}, media.MediaName.Formats)

			rtpmap, ok := media.Attribute("rtpmap")
			require.True(t, ok)
			assert.Equal(t, tc.rtpmap, rtpmap)

			_, sendonly := media.Attribute("sendonly")
			assert.True(t, sendonly)
		})
	}
}
