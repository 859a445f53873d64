package call

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// probeEarlyMedia разбирает тело предварительного ответа и сообщает,
// объявлен ли в нем активный аудио поток. Разбор может завершиться
// ошибкой на неполном теле; вызывающая сторона не должна ее
// распространять.
func probeEarlyMedia(contentType string, body []byte) (bool, error) {
	if len(body) == 0 || !strings.Contains(strings.ToLower(contentType), "application/sdp") {
		return false, nil
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return false, err
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		// Порт 0 означает отклоненный поток
		if md.MediaName.Port.Value != 0 {
			return true, nil
		}
	}
	return false, nil
}
