package registration_test

import (
	"testing"

	"github.com/arzzra/sip_caller/pkg/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIdentity() registration.Identity {
	return registration.Identity{
		Address:     "1001",
		Credential:  "secret",
		ServerHost:  "pbx.example.com",
		EndpointURI: "wss://sip.example.com/ws",
		DisplayName: "Test User",
	}
}

// TestIdentityValidate проверяет валидацию учетной записи
func TestIdentityValidate(t *testing.T) {
	require.NoError(t, validIdentity().Validate())

	cases := []struct {
		name   string
		mutate func(*registration.Identity)
	}{
		{"empty address", func(id *registration.Identity) { id.Address = "" }},
		{"blank address", func(id *registration.Identity) { id.Address = "   " }},
		{"empty credential", func(id *registration.Identity) { id.Credential = "" }},
		{"empty server host", func(id *registration.Identity) { id.ServerHost = "" }},
		{"empty endpoint", func(id *registration.Identity) { id.EndpointURI = "" }},
		{"http endpoint", func(id *registration.Identity) { id.EndpointURI = "http://sip.example.com/ws" }},
		{"bare host endpoint", func(id *registration.Identity) { id.EndpointURI = "sip.example.com" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := validIdentity()
			tc.mutate(&id)
			err := id.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, registration.ErrInvalidIdentity)
		})
	}
}

// TestIdentityValidateInsecureScheme проверяет, что ws:// допустим
func TestIdentityValidateInsecureScheme(t *testing.T) {
	id := validIdentity()
	id.EndpointURI = "ws://sip.example.com:8088/ws"
	assert.NoError(t, id.Validate())
}
