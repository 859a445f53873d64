package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFailure(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		cause    string
		wantCode int
	}{
		{name: "явный код важнее причины", status: 403, cause: "BUSY", wantCode: 403},
		{name: "отмена по причине", status: 0, cause: "CANCELED", wantCode: 487},
		{name: "отмена в смешанном регистре", status: 0, cause: "Canceled", wantCode: 487},
		{name: "нет ответа", status: 0, cause: "NO_ANSWER", wantCode: 408},
		{name: "занято", status: 0, cause: "BUSY", wantCode: 486},
		{name: "код занятости из ответа", status: 486, cause: "", wantCode: 486},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NormalizeFailure(tt.status, tt.cause)
			assert.Equal(t, tt.wantCode, f.Code)
			assert.Equal(t, StatusMessage(tt.wantCode), f.Message)
			assert.NotEmpty(t, f.Message)
		})
	}
}

func TestNormalizeFailureUnmapped(t *testing.T) {
	f := NormalizeFailure(0, "RTP_TIMEOUT")
	assert.Equal(t, 0, f.Code)
	assert.NotEmpty(t, f.Message)
}

func TestStatusMessageUnknownCode(t *testing.T) {
	assert.Contains(t, StatusMessage(499), "499")
}
