// Package registration владеет одной сигнальной учетной записью и
// поддерживает ее регистрацию на сервере, самостоятельно восстанавливаясь
// после обрывов транспорта и отказов регистрации.
package registration

import (
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidIdentity возвращается при неполной или некорректной учетной
// записи. Ошибка не является повторяемой: требуется повторное получение
// профиля.
var ErrInvalidIdentity = fmt.Errorf("некорректная учетная запись")

// Identity сигнальная учетная запись. Значение неизменяемо после
// загрузки: при повторном входе заменяется целиком.
type Identity struct {
	// Address номер учетной записи (extension)
	Address string `json:"address"`

	// Credential пароль
	Credential string `json:"credential"`

	// ServerHost SIP домен сервера
	ServerHost string `json:"server_host"`

	// EndpointURI адрес WebSocket транспорта (ws:// или wss://)
	EndpointURI string `json:"endpoint_uri"`

	// DisplayName отображаемое имя
	DisplayName string `json:"display_name"`
}

// Validate проверяет обязательные поля и схему транспортного endpoint
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Address) == "" {
		return fmt.Errorf("%w: пустой address", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.Credential) == "" {
		return fmt.Errorf("%w: пустой credential", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.ServerHost) == "" {
		return fmt.Errorf("%w: пустой server host", ErrInvalidIdentity)
	}
	if strings.TrimSpace(id.EndpointURI) == "" {
		return fmt.Errorf("%w: пустой endpoint URI", ErrInvalidIdentity)
	}
	u, err := url.Parse(id.EndpointURI)
	if err != nil {
		return fmt.Errorf("%w: некорректный endpoint URI: %v", ErrInvalidIdentity, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint URI должен начинаться с ws:// или wss://", ErrInvalidIdentity)
	}
	return nil
}
