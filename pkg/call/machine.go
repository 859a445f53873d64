// Package call реализует автомат единственного активного вызова.
//
// Автомат потребляет события сигнальной сессии, ведет строку
// длительности разговора и выводит нормализованный итог неуспешного
// завершения. Инвариант: в каждый момент активен не более чем один
// вызов; терминальное событие всегда возвращает автомат в Idle и
// очищает сессию.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/sip_caller/pkg/media"
	"github.com/arzzra/sip_caller/pkg/timers"
	"github.com/arzzra/sip_caller/pkg/transport"
)

// State состояние вызова
type State string

const (
	// StateIdle - активного вызова нет
	StateIdle State = "Idle"
	// StateConnecting - размещение вызова идет, сессия еще не создана
	StateConnecting State = "Connecting"
	// StateRinging - сессия создана, ожидается ответ абонента
	StateRinging State = "Ringing"
	// StateAnswered - вызов принят, идет разговор
	StateAnswered State = "Answered"
	// StateHangingUp - локальная сторона завершает вызов
	StateHangingUp State = "HangingUp"
)

func (s State) String() string { return string(s) }

// ErrCallActive - попытка начать вызов при уже активном
var ErrCallActive = errors.New("вызов уже активен")

// ErrPlacementAborted - сессия создана после того, как размещение
// было прервано
var ErrPlacementAborted = errors.New("размещение уже прервано")

// endGrace через сколько после EndCall автомат принудительно
// возвращается в Idle, если терминальное событие так и не пришло
const endGrace = time.Second

// Machine автомат активного вызова
type Machine struct {
	mu sync.Mutex

	fsm     *fsm.FSM
	session transport.Session

	peer       string
	incoming   bool
	startedAt  time.Time
	duration   string
	earlyMedia bool

	tickStop chan struct{}
	grace    timers.Handle

	sink *media.Sink

	handlersMu sync.Mutex
	onUpdate   func()
	onFailure  func(Failure)

	log *slog.Logger
}

// NewMachine создает автомат вызова поверх разделяемого приемника
func NewMachine(sink *media.Sink, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		sink: sink,
		log:  log.With("component", "call"),
	}
	m.initFSM()
	return m
}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// Переходы:
//
//	[Idle] → [Connecting] → [Ringing] → [Answered] → [HangingUp] → [Idle]
//	терминальные события возвращают в [Idle] из любого состояния
func (m *Machine) initFSM() {
	pairs := [][2]State{
		{StateIdle, StateConnecting},
		{StateIdle, StateRinging},
		{StateConnecting, StateRinging},
		{StateRinging, StateAnswered},
		{StateConnecting, StateHangingUp},
		{StateRinging, StateHangingUp},
		{StateAnswered, StateHangingUp},
		{StateConnecting, StateIdle},
		{StateRinging, StateIdle},
		{StateAnswered, StateIdle},
		{StateHangingUp, StateIdle},
	}
	events := make(fsm.Events, 0, len(pairs))
	for _, p := range pairs {
		events = append(events, fsm.EventDesc{
			Name: formEventName(p[0], p[1]),
			Src:  []string{string(p[0])},
			Dst:  string(p[1]),
		})
	}
	m.fsm = fsm.NewFSM(string(StateIdle), events, fsm.Callbacks{})
}

// setStateLocked переводит автомат в новое состояние.
// Вызывается строго под m.mu.
func (m *Machine) setStateLocked(dst State) bool {
	cur := State(m.fsm.Current())
	if cur == dst {
		return false
	}
	if err := m.fsm.Event(context.Background(), formEventName(cur, dst)); err != nil {
		m.log.Debug("недопустимый переход состояния вызова",
			"from", cur.String(), "to", dst.String(), "error", err)
		return false
	}
	return true
}

// State возвращает текущее состояние вызова
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Active сообщает, есть ли незавершенный вызов
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current()) != StateIdle
}

// Peer возвращает адрес абонента активного вызова
func (m *Machine) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Duration возвращает строку длительности разговора в формате мм:сс
func (m *Machine) Duration() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.duration
}

// EarlyMedia сообщает, объявлялся ли ранний медиапоток до ответа
func (m *Machine) EarlyMedia() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earlyMedia
}

// OnUpdate устанавливает обработчик, вызываемый после каждого перехода.
// Обработчик не должен вызывать методы автомата синхронно.
func (m *Machine) OnUpdate(handler func()) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onUpdate = handler
}

// OnFailure устанавливает обработчик нормализованного итога
// неуспешного вызова
func (m *Machine) OnFailure(handler func(Failure)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onFailure = handler
}

// Begin резервирует автомат под исходящий вызов на стадии размещения
func (m *Machine) Begin(peer string) error {
	m.mu.Lock()
	if State(m.fsm.Current()) != StateIdle {
		m.mu.Unlock()
		return ErrCallActive
	}
	m.peer = peer
	m.incoming = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.publish()
	return nil
}

// Abort прерывает стадию размещения, когда сессия так и не была создана
func (m *Machine) Abort() {
	m.mu.Lock()
	if m.session != nil || State(m.fsm.Current()) == StateIdle {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()
	m.publish()
}

// Attach связывает автомат с созданной исходящей сессией и начинает
// доставку ее событий. Если размещение уже прервано (EndCall успел
// сработать между созданием сессии и привязкой), возвращает
// ErrPlacementAborted: воскрешать завершенный пользователем вызов
// нельзя, сессию должен отменить вызывающий.
func (m *Machine) Attach(s transport.Session) error {
	m.mu.Lock()
	if State(m.fsm.Current()) != StateConnecting {
		m.mu.Unlock()
		return ErrPlacementAborted
	}
	m.session = s
	m.setStateLocked(StateRinging)
	m.mu.Unlock()

	m.publish()
	go m.dispatch(s)
	return nil
}

// AttachIncoming принимает анонс входящей сессии.
// При активном вызове возвращает ErrCallActive, сессию не трогает.
func (m *Machine) AttachIncoming(s transport.Session) error {
	m.mu.Lock()
	if State(m.fsm.Current()) != StateIdle {
		m.mu.Unlock()
		return ErrCallActive
	}
	m.session = s
	m.peer = s.Peer()
	m.incoming = true
	m.setStateLocked(StateRinging)
	m.mu.Unlock()

	m.log.Info("входящий вызов", "peer", s.Peer())
	m.publish()
	go m.dispatch(s)
	return nil
}

// dispatch доставляет события сессии до закрытия ее канала
func (m *Machine) dispatch(s transport.Session) {
	for ev := range s.Events() {
		m.handle(s, ev)
	}
}

// handle обрабатывает одно событие сессии
func (m *Machine) handle(s transport.Session, ev transport.SessionEvent) {
	m.mu.Lock()
	if m.session != s {
		// Событие пережившей очистку сессии
		m.mu.Unlock()
		return
	}

	switch ev.Kind {
	case transport.SessionProgress:
		m.setStateLocked(StateRinging)
		if !m.earlyMedia {
			has, err := probeEarlyMedia(ev.ContentType, ev.Body)
			if err != nil {
				m.log.Debug("тело предварительного ответа не разобрано", "error", err)
			} else if has {
				m.earlyMedia = true
				m.log.Info("обнаружен ранний медиапоток", "peer", m.peer)
			}
		}
		m.mu.Unlock()
		m.publish()

	case transport.SessionAccepted:
		m.setStateLocked(StateAnswered)
		m.startedAt = time.Now()
		m.duration = "00:00"
		m.startTickerLocked()
		peer := m.peer
		m.mu.Unlock()

		if m.sink != nil {
			m.sink.Acquire(peer)
			if err := m.sink.Play(peer); err != nil {
				m.log.Info("воспроизведение отложено", "error", err)
			}
		}
		m.publish()

	case transport.SessionConfirmed:
		// Повторное подтверждение уже отвеченного вызова
		m.setStateLocked(StateAnswered)
		m.mu.Unlock()
		m.publish()

	case transport.SessionEnded:
		m.log.Info("вызов завершен", "peer", m.peer)
		m.teardownLocked()
		m.mu.Unlock()
		m.publish()

	case transport.SessionFailed:
		f := NormalizeFailure(ev.Status, ev.Cause)
		m.log.Warn("вызов не состоялся",
			"peer", m.peer, "cause", ev.Cause, "code", f.Code, "message", f.Message)
		m.teardownLocked()
		m.mu.Unlock()
		m.notifyFailure(f)
		m.publish()

	default:
		m.mu.Unlock()
	}
}

// End завершает активный вызов. Отвеченный вызов завершается
// корректно, неотвеченный отменяется. Через endGrace автомат
// принудительно возвращается в Idle, даже если терминальное событие
// не пришло.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	st := State(m.fsm.Current())
	if st == StateIdle {
		m.mu.Unlock()
		return nil
	}
	s := m.session
	if s == nil {
		// Размещение еще не создало сессию
		m.teardownLocked()
		m.mu.Unlock()
		m.publish()
		return nil
	}
	established := st == StateAnswered
	m.setStateLocked(StateHangingUp)
	m.mu.Unlock()

	m.publish()

	var err error
	if established {
		err = s.Terminate(ctx)
	} else {
		err = s.Cancel(ctx)
	}
	if err != nil {
		m.log.Warn("ошибка завершения вызова", "error", err)
	}

	m.grace.Arm(endGrace, m.ForceIdle)
	if err != nil {
		return fmt.Errorf("ошибка завершения вызова: %w", err)
	}
	return nil
}

// ForceIdle принудительно очищает автомат, если терминальное событие
// не пришло вовремя
func (m *Machine) ForceIdle() {
	m.mu.Lock()
	if State(m.fsm.Current()) == StateIdle {
		m.mu.Unlock()
		return
	}
	m.log.Warn("вызов очищен принудительно", "peer", m.peer)
	m.teardownLocked()
	m.mu.Unlock()
	m.publish()
}

// teardownLocked останавливает таймеры, освобождает приемник и
// возвращает автомат в Idle. Вызывается строго под m.mu.
func (m *Machine) teardownLocked() {
	m.stopTickerLocked()
	m.grace.Cancel()
	if m.sink != nil && m.peer != "" {
		m.sink.Release(m.peer)
	}
	m.session = nil
	m.peer = ""
	m.incoming = false
	m.startedAt = time.Time{}
	m.duration = ""
	m.earlyMedia = false
	m.setStateLocked(StateIdle)
}

// startTickerLocked взводит секундный тикер длительности разговора.
// Прежний тикер всегда останавливается первым.
func (m *Machine) startTickerLocked() {
	m.stopTickerLocked()
	stop := make(chan struct{})
	m.tickStop = stop

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				m.mu.Lock()
				if m.tickStop != stop {
					m.mu.Unlock()
					return
				}
				m.duration = formatDuration(time.Since(m.startedAt))
				m.mu.Unlock()
				m.publish()
			}
		}
	}()
}

func (m *Machine) stopTickerLocked() {
	if m.tickStop != nil {
		close(m.tickStop)
		m.tickStop = nil
	}
}

// formatDuration переводит длительность в строку мм:сс
func formatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func (m *Machine) publish() {
	m.handlersMu.Lock()
	handler := m.onUpdate
	m.handlersMu.Unlock()
	if handler != nil {
		handler()
	}
}

func (m *Machine) notifyFailure(f Failure) {
	m.handlersMu.Lock()
	handler := m.onFailure
	m.handlersMu.Unlock()
	if handler != nil {
		handler(f)
	}
}
