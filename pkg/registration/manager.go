package registration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/sip_caller/pkg/timers"
	"github.com/arzzra/sip_caller/pkg/transport"
)

// State состояние регистрации
type State string

const (
	// StateDisconnected - транспорт не установлен
	StateDisconnected State = "Disconnected"
	// StateConnecting - транспорт открывается или ожидается ответ на REGISTER
	StateConnecting State = "Connecting"
	// StateRegistered - сервер принял регистрацию
	StateRegistered State = "Registered"
	// StateFailed - регистрация явно отклонена, запланирован повтор
	StateFailed State = "Failed"
)

func (s State) String() string { return string(s) }

// StartResult результат вызова Start
type StartResult int

const (
	// StartStarted - попытка подключения начата
	StartStarted StartResult = iota
	// StartThrottled - вызов пришел внутри защитного окна, проигнорирован
	StartThrottled
	// StartCapped - превышен лимит попыток, ждем окно охлаждения
	StartCapped
	// StartUnconfigured - учетная запись не сконфигурирована
	StartUnconfigured
)

func (r StartResult) String() string {
	switch r {
	case StartStarted:
		return "started"
	case StartThrottled:
		return "throttled"
	case StartCapped:
		return "capped"
	case StartUnconfigured:
		return "unconfigured"
	default:
		return "unknown"
	}
}

const (
	// MaxReconnectAttempts лимит последовательных попыток подключения
	MaxReconnectAttempts = 3

	// ThrottleWindow защитное окно между вызовами Start
	ThrottleWindow = 2 * time.Second

	// CooldownWindow через сколько счетчик попыток сбрасывается после
	// достижения лимита, чтобы не остаться заблокированным навсегда
	CooldownWindow = 10 * time.Second

	// connectTimeout ожидание установки транспорта и ответа на REGISTER
	connectTimeout = 10 * time.Second
)

// retryDelays экспоненциальная таблица задержек переподключения
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// fallbackRetryDelay задержка когда номер попытки вышел за таблицу
const fallbackRetryDelay = 5 * time.Second

// BindingFactory создает сигнальную привязку для учетной записи.
// Подменяется в тестах.
type BindingFactory func(cfg transport.Config, log *slog.Logger) (transport.Binding, error)

// Manager владеет учетной записью и ее регистрацией на сервере.
//
// Политика восстановления: любой обрыв транспорта или отказ регистрации
// планирует повтор по таблице retryDelays. Таймер повтора всегда
// перевзводится через timers.Handle, поэтому одновременно ожидает не
// более одного повтора. Счетчик попыток сбрасывается при успешной
// регистрации; при достижении лимита - по окну охлаждения.
type Manager struct {
	mu sync.Mutex

	identity *Identity
	binding  transport.Binding
	factory  BindingFactory

	fsm *fsm.FSM

	attempts  int
	lastStart time.Time
	stopped   bool

	reconnect timers.Handle
	cooldown  timers.Handle

	handlersMu sync.Mutex
	onState    func(State)
	onIncoming func(transport.Session)

	// Параметры политики, подменяемые опциями
	maxAttempts    int
	throttleWindow time.Duration
	cooldownWindow time.Duration
	delays         []time.Duration
	fallbackDelay  time.Duration

	log *slog.Logger
}

// NewManager создает менеджер регистрации.
// При factory == nil используется WebSocket привязка.
func NewManager(factory BindingFactory, log *slog.Logger, opts ...ManagerOption) *Manager {
	if factory == nil {
		factory = func(cfg transport.Config, log *slog.Logger) (transport.Binding, error) {
			return transport.NewWSBinding(cfg, log)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		factory:        factory,
		maxAttempts:    MaxReconnectAttempts,
		throttleWindow: ThrottleWindow,
		cooldownWindow: CooldownWindow,
		delays:         retryDelays,
		fallbackDelay:  fallbackRetryDelay,
		log:            log.With("component", "registration"),
	}
	for _, opt := range opts {
		opt(m)
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
//	[Disconnected] → [Connecting] → [Registered] → [Disconnected]
//	[Connecting] → [Failed] → [Connecting]   (повтор по таймеру)
//	[Registered] → [Failed]                  (отказ обновления регистрации)
func (m *Manager) initFSM() {
	pairs := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateFailed, StateConnecting},
		{StateRegistered, StateConnecting},
		{StateConnecting, StateRegistered},
		{StateConnecting, StateFailed},
		{StateRegistered, StateFailed},
		{StateConnecting, StateDisconnected},
		{StateRegistered, StateDisconnected},
		{StateFailed, StateDisconnected},
	}
	events := make(fsm.Events, 0, len(pairs))
	for _, p := range pairs {
		events = append(events, fsm.EventDesc{
			Name: formEventName(p[0], p[1]),
			Src:  []string{string(p[0])},
			Dst:  string(p[1]),
		})
	}
	m.fsm = fsm.NewFSM(string(StateDisconnected), events, fsm.Callbacks{})
}

// setStateLocked переводит автомат в новое состояние.
// Возвращает true если состояние действительно изменилось.
// Вызывается строго под m.mu.
func (m *Manager) setStateLocked(dst State) bool {
	cur := State(m.fsm.Current())
	if cur == dst {
		return false
	}
	if err := m.fsm.Event(context.Background(), formEventName(cur, dst)); err != nil {
		m.log.Debug("недопустимый переход состояния",
			"from", cur.String(), "to", dst.String(), "error", err)
		return false
	}
	return true
}

// State возвращает текущее состояние регистрации
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Attempts возвращает текущее значение счетчика попыток
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Binding возвращает активную привязку, nil если транспорт не установлен
func (m *Manager) Binding() transport.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Identity возвращает сконфигурированную учетную запись
func (m *Manager) Identity() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// OnStateChange устанавливает обработчик смены состояния.
// Обработчик не должен вызывать методы менеджера синхронно.
func (m *Manager) OnStateChange(handler func(State)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onState = handler
}

// OnIncomingCall устанавливает обработчик входящих сессий
func (m *Manager) OnIncomingCall(handler func(transport.Session)) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onIncoming = handler
}

// Configure заменяет учетную запись целиком.
// Соединение не открывается: для этого нужен явный Start.
func (m *Manager) Configure(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.identity = &id
	m.mu.Unlock()
	m.log.Info("учетная запись сконфигурирована", "address", id.Address)
	return nil
}

// Clear сбрасывает учетную запись. Активную регистрацию нужно
// останавливать отдельно через Stop.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.identity = nil
	m.mu.Unlock()
}

// Start начинает попытку подключения и регистрации.
//
// Повторный вызов внутри защитного окна возвращает StartThrottled без
// побочных эффектов. При превышении лимита попыток возвращается
// StartCapped и взводится таймер сброса счетчика.
func (m *Manager) Start() StartResult {
	m.mu.Lock()

	if m.identity == nil {
		m.mu.Unlock()
		return StartUnconfigured
	}

	now := time.Now()
	if !m.lastStart.IsZero() && now.Sub(m.lastStart) < m.throttleWindow {
		m.mu.Unlock()
		m.log.Debug("Start проигнорирован: защитное окно")
		return StartThrottled
	}
	m.lastStart = now
	m.stopped = false

	m.attempts++
	if m.attempts > m.maxAttempts {
		attempts := m.attempts
		cooldown := m.cooldownWindow
		m.mu.Unlock()
		m.log.Warn("лимит попыток подключения исчерпан",
			"attempts", attempts, "cooldown", cooldown)
		m.cooldown.Arm(cooldown, m.resetAttempts)
		return StartCapped
	}

	changed := m.setStateLocked(StateConnecting)
	identity := *m.identity
	attempt := m.attempts
	old := m.binding
	m.binding = nil
	m.mu.Unlock()

	if changed {
		m.notifyState(StateConnecting)
	}
	if old != nil {
		_ = old.Close()
	}

	m.log.Info("попытка подключения",
		"attempt", attempt, "max", m.maxAttempts)
	go m.connect(identity)
	return StartStarted
}

// connect открывает привязку и отправляет REGISTER.
// Результат приходит транспортными событиями через pump.
func (m *Manager) connect(id Identity) {
	binding, err := m.factory(transport.Config{
		Address:     id.Address,
		Credential:  id.Credential,
		ServerHost:  id.ServerHost,
		EndpointURI: id.EndpointURI,
		DisplayName: id.DisplayName,
	}, m.log)
	if err != nil {
		m.connectFailed(fmt.Errorf("ошибка создания привязки: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := binding.Connect(ctx); err != nil {
		_ = binding.Close()
		m.connectFailed(fmt.Errorf("ошибка установки транспорта: %w", err))
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = binding.Close()
		return
	}
	m.binding = binding
	m.mu.Unlock()

	go m.pump(binding)

	// Привязка сама публикует исход регистрации событием
	if err := binding.Register(ctx); err != nil {
		m.log.Warn("ошибка отправки REGISTER", "error", err)
	}
}

// connectFailed обрабатывает отказ до того, как привязка начала
// доставлять события
func (m *Manager) connectFailed(err error) {
	m.log.Warn("подключение не удалось", "error", err)

	m.mu.Lock()
	changed := m.setStateLocked(StateFailed)
	m.mu.Unlock()

	if changed {
		m.notifyState(StateFailed)
	}
	m.scheduleRetry()
}

// pump доставляет события привязки до закрытия ее канала
func (m *Manager) pump(b transport.Binding) {
	for ev := range b.Events() {
		m.HandleEvent(ev)
	}
}

// HandleEvent обрабатывает одно транспортное событие
func (m *Manager) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		m.log.Debug("транспорт установлен")

	case transport.EventRegistrationSucceeded:
		m.reconnect.Cancel()
		m.mu.Lock()
		m.attempts = 0
		changed := m.setStateLocked(StateRegistered)
		m.mu.Unlock()
		if changed {
			m.notifyState(StateRegistered)
		}

	case transport.EventRegistrationFailed:
		m.log.Warn("регистрация не удалась",
			"status", ev.Status, "reason", ev.Reason)
		m.mu.Lock()
		changed := m.setStateLocked(StateFailed)
		m.mu.Unlock()
		if changed {
			m.notifyState(StateFailed)
		}
		m.scheduleRetry()

	case transport.EventDisconnected:
		m.log.Warn("транспорт потерян", "reason", ev.Reason)
		m.mu.Lock()
		changed := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		if changed {
			m.notifyState(StateDisconnected)
		}
		m.scheduleRetry()

	case transport.EventIncomingCall:
		m.handlersMu.Lock()
		handler := m.onIncoming
		m.handlersMu.Unlock()
		if handler != nil && ev.Session != nil {
			handler(ev.Session)
		}
	}
}

// scheduleRetry взводит таймер повтора подключения.
// Благодаря timers.Handle одновременно ожидает не более одного повтора.
func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if m.stopped || m.attempts > m.maxAttempts {
		m.mu.Unlock()
		return
	}
	delay := m.fallbackDelay
	if m.attempts >= 1 && m.attempts <= len(m.delays) {
		delay = m.delays[m.attempts-1]
	}
	attempt := m.attempts
	limit := m.maxAttempts
	m.mu.Unlock()

	m.log.Info("повтор подключения запланирован",
		"delay", delay, "attempt", attempt, "max", limit)
	m.reconnect.Arm(delay, func() { m.Start() })
}

// resetAttempts сбрасывает счетчик после окна охлаждения
func (m *Manager) resetAttempts() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.log.Info("счетчик попыток подключения сброшен")
}

// Stop отменяет ожидающие таймеры, снимает регистрацию и закрывает
// транспорт
func (m *Manager) Stop() {
	m.reconnect.Cancel()
	m.cooldown.Cancel()

	m.mu.Lock()
	m.stopped = true
	m.attempts = 0
	m.lastStart = time.Time{}
	binding := m.binding
	m.binding = nil
	registered := State(m.fsm.Current()) == StateRegistered
	changed := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if binding != nil {
		if registered {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := binding.Unregister(ctx); err != nil {
				m.log.Debug("ошибка снятия регистрации", "error", err)
			}
			cancel()
		}
		_ = binding.Close()
	}
	if changed {
		m.notifyState(StateDisconnected)
	}
	m.log.Info("менеджер регистрации остановлен")
}

func (m *Manager) notifyState(st State) {
	m.handlersMu.Lock()
	handler := m.onState
	m.handlersMu.Unlock()
	if handler != nil {
		handler(st)
	}
}
