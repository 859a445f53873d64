// Package mockTransport содержит in-memory реализацию сигнальной привязки
// для тестов верхних уровней. Мок не открывает сетевых соединений:
// транспортные события публикуются тестом вручную через Emit.
package mockTransport

import (
	"context"
	"sync"

	"github.com/arzzra/sip_caller/pkg/transport"
)

// Проверяем, что Binding реализует интерфейс transport.Binding
var _ transport.Binding = (*Binding)(nil)

// Binding мок сигнальной привязки
type Binding struct {
	mu sync.Mutex

	connected  bool
	registered bool
	closed     bool

	// Счетчики вызовов для проверок в тестах
	ConnectCalls    int
	CloseCalls      int
	RegisterCalls   int
	UnregisterCalls int
	InviteCalls     int

	// Инъекции ошибок
	ConnectErr  error
	RegisterErr error
	InviteErr   error

	// RegisterSucceeds управляет поведением Register: при true мок сам
	// помечает привязку зарегистрированной и публикует событие успеха
	RegisterSucceeds bool

	// LastTarget адрес последнего Invite
	LastTarget string

	// NextSession сессия, которую вернет следующий Invite.
	// Если nil, Invite создает новую.
	NextSession *Session

	events chan transport.Event
}

// NewBinding создает мок привязки
func NewBinding() *Binding {
	return &Binding{events: make(chan transport.Event, 32)}
}

func (b *Binding) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ConnectCalls++
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.connected = true
	return nil
}

func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCalls++
	if !b.closed {
		b.closed = true
		b.connected = false
		b.registered = false
		close(b.events)
	}
	return nil
}

func (b *Binding) Register(ctx context.Context) error {
	b.mu.Lock()
	b.RegisterCalls++
	err := b.RegisterErr
	succeed := b.RegisterSucceeds
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if succeed {
		b.SetRegistered(true)
		b.Emit(transport.Event{Kind: transport.EventRegistrationSucceeded})
	}
	return nil
}

func (b *Binding) Unregister(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.UnregisterCalls++
	b.registered = false
	return nil
}

func (b *Binding) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

func (b *Binding) Invite(ctx context.Context, target string) (transport.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InviteCalls++
	b.LastTarget = target
	if b.InviteErr != nil {
		return nil, b.InviteErr
	}
	s := b.NextSession
	if s == nil {
		s = NewSession(target, false)
	}
	return s, nil
}

func (b *Binding) Events() <-chan transport.Event {
	return b.events
}

// SetRegistered выставляет флаг регистрации напрямую
func (b *Binding) SetRegistered(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = v
}

// Connected возвращает текущее состояние соединения
func (b *Binding) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Emit публикует транспортное событие от имени мока
func (b *Binding) Emit(ev transport.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events <- ev
}
