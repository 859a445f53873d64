package transport

import (
	"time"

	"github.com/pion/sdp/v3"
)

// buildAudioOffer собирает минимальное аудио SDP предложение.
// Медиа политика фиксированная: только аудио, G.711 и telephone-event.
// Порт заполняется реальной медиа стороной при согласовании, здесь
// используется placeholder порт 9 (discard).
func buildAudioOffer(user, host string) ([]byte, error) {
	sessionID := uint64(time.Now().UnixNano())

	offer := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       user,
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "sip_caller",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap:0 PCMU/8000", ""),
					sdp.NewAttribute("rtpmap:8 PCMA/8000", ""),
					sdp.NewAttribute("rtpmap:101 telephone-event/8000", ""),
					sdp.NewAttribute("fmtp:101 0-16", ""),
					sdp.NewAttribute("sendrecv", ""),
				},
			},
		},
	}

	return offer.Marshal()
}
