package recording

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/waveroom/meet/pkg/engine"
)

// Payload types used on the bridge. The plain transport consumer is created
// with the router's matching codec, the transcoder only needs the rtpmap line
// to decode the stream, so fixed values are enough.
const (
	audioPayloadType = 100
	videoPayloadType = 101
)

// bridgeDescription builds the minimal SDP fed to the transcoder's stdin: one
// sendonly media section pointing at the allocated RTP port on localhost.
func bridgeDescription(kind engine.MediaKind, port int) ([]byte, error) {
	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "Transcoder",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(engine.MediaKindVideo),
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}

	if kind == engine.MediaKindAudio {
		media.MediaName.Media = string(engine.MediaKindAudio)
		media.MediaName.Formats = []string{strconv.Itoa(audioPayloadType)}
		media.WithValueAttribute("rtpmap", fmt.Sprintf("%d opus/48000/2", audioPayloadType))
	} else {
		media.MediaName.Formats = []string{strconv.Itoa(videoPayloadType)}
		media.WithValueAttribute("rtpmap", fmt.Sprintf("%d VP8/90000", videoPayloadType))
	}

	media.WithPropertyAttribute("sendonly")

	session.MediaDescriptions = append(session.MediaDescriptions, media)

	return session.Marshal()
}
