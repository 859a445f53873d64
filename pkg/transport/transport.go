// Package transport реализует сигнальную привязку к SIP серверу поверх
// WebSocket. Пакет отвечает только за транспортный уровень: установку
// соединения, регистрацию и создание сигнальных сессий. Политика
// переподключения и состояние вызова живут уровнем выше.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// EventKind тип транспортного события
type EventKind int

const (
	// EventConnected - WebSocket соединение установлено
	EventConnected EventKind = iota
	// EventDisconnected - WebSocket соединение потеряно
	EventDisconnected
	// EventRegistrationSucceeded - сервер принял REGISTER
	EventRegistrationSucceeded
	// EventRegistrationFailed - сервер отклонил REGISTER или запрос не дошел
	EventRegistrationFailed
	// EventIncomingCall - входящий INVITE, в Session лежит новая сессия
	EventIncomingCall
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRegistrationSucceeded:
		return "registration_succeeded"
	case EventRegistrationFailed:
		return "registration_failed"
	case EventIncomingCall:
		return "incoming_call"
	default:
		return "unknown"
	}
}

// Event транспортное событие. Тегированный вариант: поля заполняются
// в зависимости от Kind.
type Event struct {
	Kind EventKind

	// Reason причина для Disconnected / RegistrationFailed
	Reason string

	// Status SIP код ответа для RegistrationFailed (0 если ответа не было)
	Status int

	// Session входящая сессия для IncomingCall
	Session Session
}

// SessionEventKind тип события сигнальной сессии
type SessionEventKind int

const (
	// SessionProgress - предварительный ответ 1xx (кроме 100)
	SessionProgress SessionEventKind = iota
	// SessionAccepted - получен финальный 2xx
	SessionAccepted
	// SessionConfirmed - медиа путь подтвержден (ACK отправлен или получен)
	SessionConfirmed
	// SessionEnded - нормальное завершение (BYE)
	SessionEnded
	// SessionFailed - сессия завершилась ошибкой
	SessionFailed
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionProgress:
		return "progress"
	case SessionAccepted:
		return "accepted"
	case SessionConfirmed:
		return "confirmed"
	case SessionEnded:
		return "ended"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Причины завершения сессии в терминах исходного сигнального стека.
// Сопоставление с нормализованным кодом выполняет пакет call.
const (
	CauseCanceled = "CANCELED"
	CauseNoAnswer = "NO_ANSWER"
	CauseBusy     = "BUSY"
	CauseRejected = "REJECTED"
)

// SessionEvent событие жизненного цикла одной сигнальной сессии
type SessionEvent struct {
	Kind SessionEventKind

	// Status SIP код ответа, породившего событие (0 если неприменимо)
	Status int

	// ContentType и Body тела предварительного ответа для Progress.
	// Используется уровнем выше для обнаружения early media.
	ContentType string
	Body        []byte

	// Cause символьная причина для Failed (CauseCanceled и т.п.)
	Cause string

	// Reason человекочитаемая причина для Failed
	Reason string
}

// Session одна сигнальная сессия (исходящая или входящая)
type Session interface {
	// Peer возвращает адрес удаленной стороны (user часть URI)
	Peer() string

	// Incoming возвращает true для входящей сессии
	Incoming() bool

	// Events канал событий сессии. Закрывается после терминального события.
	Events() <-chan SessionEvent

	// Terminate завершает установленную сессию (BYE)
	Terminate(ctx context.Context) error

	// Cancel отменяет еще не отвеченную сессию
	// (CANCEL для исходящей, 486 для входящей)
	Cancel(ctx context.Context) error
}

// Binding одна сигнальная привязка к серверу
type Binding interface {
	// Connect устанавливает транспорт и начинает доставку событий
	Connect(ctx context.Context) error

	// Close разрывает транспорт и закрывает канал событий
	Close() error

	// Register отправляет REGISTER для сконфигурированной учетной записи
	Register(ctx context.Context) error

	// Unregister снимает регистрацию (REGISTER с Expires: 0)
	Unregister(ctx context.Context) error

	// Registered возвращает true если последний REGISTER принят сервером
	Registered() bool

	// Invite начинает исходящий вызов на указанный адрес
	Invite(ctx context.Context, target string) (Session, error)

	// Events канал транспортных событий
	Events() <-chan Event
}

// Config параметры привязки
type Config struct {
	// Address учетная запись (extension) на сервере
	Address string

	// Credential пароль учетной записи
	Credential string

	// ServerHost SIP домен/хост сервера
	ServerHost string

	// EndpointURI адрес WebSocket, схема ws или wss
	EndpointURI string

	// DisplayName отображаемое имя для From/Contact
	DisplayName string

	// UserAgent значение заголовка User-Agent
	UserAgent string

	// RegisterExpiry срок действия регистрации
	RegisterExpiry time.Duration

	// NoAnswerTimeout сколько ждать финального ответа на INVITE
	NoAnswerTimeout time.Duration

	// STUNServer подсказка ICE для медиа политики исходящих вызовов
	STUNServer string
}

const (
	DefaultUserAgent       = "sip_caller/1.0"
	DefaultRegisterExpiry  = 600 * time.Second
	DefaultNoAnswerTimeout = 45 * time.Second
	DefaultSTUNServer      = "stun:stun.l.google.com:19302"
)

// withDefaults возвращает копию конфигурации с заполненными значениями
// по умолчанию
func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RegisterExpiry == 0 {
		c.RegisterExpiry = DefaultRegisterExpiry
	}
	if c.NoAnswerTimeout == 0 {
		c.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if c.STUNServer == "" {
		c.STUNServer = DefaultSTUNServer
	}
	return c
}

// Validate проверяет обязательные поля и схему endpoint
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("пустой address в конфигурации транспорта")
	}
	if strings.TrimSpace(c.Credential) == "" {
		return fmt.Errorf("пустой credential в конфигурации транспорта")
	}
	if strings.TrimSpace(c.ServerHost) == "" {
		return fmt.Errorf("пустой server host в конфигурации транспорта")
	}
	if strings.TrimSpace(c.EndpointURI) == "" {
		return fmt.Errorf("пустой endpoint URI в конфигурации транспорта")
	}
	u, err := url.Parse(c.EndpointURI)
	if err != nil {
		return fmt.Errorf("некорректный endpoint URI %q: %w", c.EndpointURI, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint URI должен использовать схему ws или wss, получено %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URI %q не содержит хоста", c.EndpointURI)
	}
	return nil
}
