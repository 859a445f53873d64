package mockTransport

import (
	"context"
	"sync"

	"github.com/arzzra/sip_caller/pkg/transport"
)

// Проверяем, что Session реализует интерфейс transport.Session
var _ transport.Session = (*Session)(nil)

// Session мок сигнальной сессии. Жизненный цикл полностью управляется
// тестом через Emit и Finish.
type Session struct {
	mu sync.Mutex

	peer     string
	incoming bool
	finished bool

	TerminateCalls int
	CancelCalls    int

	// TerminateErr и CancelErr инъекции ошибок
	TerminateErr error
	CancelErr    error

	events chan transport.SessionEvent
}

// NewSession создает мок сессии
func NewSession(peer string, incoming bool) *Session {
	return &Session{
		peer:     peer,
		incoming: incoming,
		events:   make(chan transport.SessionEvent, 16),
	}
}

func (s *Session) Peer() string                          { return s.peer }
func (s *Session) Incoming() bool                        { return s.incoming }
func (s *Session) Events() <-chan transport.SessionEvent { return s.events }

func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TerminateCalls++
	return s.TerminateErr
}

func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	return s.CancelErr
}

// Emit публикует нетерминальное событие сессии
func (s *Session) Emit(ev transport.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.events <- ev
}

// Finish публикует терминальное событие и закрывает канал
func (s *Session) Finish(ev transport.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.events <- ev
	close(s.events)
}
