// Package caller связывает регистрацию, автомат вызова и приемник
// воспроизведения в единый контроллер с маленьким внешним API:
// Place, EndCall, GetStatus, Subscribe, Logout.
//
// Контроллер владеет своим состоянием целиком: глобальных переменных
// нет, в тестах живут несколько независимых экземпляров.
package caller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/sip_caller/pkg/call"
	"github.com/arzzra/sip_caller/pkg/media"
	"github.com/arzzra/sip_caller/pkg/registration"
	"github.com/arzzra/sip_caller/pkg/transport"
)

const (
	// bindingWait ожидание транспорта после запуска менеджера
	bindingWait = time.Second

	// registrationPollAttempts сколько раз опросить регистрацию
	registrationPollAttempts = 5

	// registrationPollInterval пауза между опросами регистрации
	registrationPollInterval = time.Second

	// rejectTimeout на отклонение входящего вызова при занятой линии
	rejectTimeout = 5 * time.Second
)

// callRetryDelays задержки повторов размещения вызова
var callRetryDelays = []time.Duration{1500 * time.Millisecond, 3 * time.Second, 5 * time.Second}

// Controller контроллер единственного активного вызова
type Controller struct {
	mu sync.Mutex

	manager *registration.Manager
	machine *call.Machine
	sink    *media.Sink
	pub     *publisher
	metrics *Metrics

	// placeCancel прерывает цепочку размещения из EndCall и Logout
	placeCancel context.CancelFunc

	// Параметры политики, подменяемые опциями
	retryDelays  []time.Duration
	pollAttempts int
	pollInterval time.Duration
	waitBinding  time.Duration

	log *slog.Logger
}

// NewController создает контроллер поверх менеджера регистрации
func NewController(manager *registration.Manager, log *slog.Logger, opts ...Option) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		manager:      manager,
		retryDelays:  callRetryDelays,
		pollAttempts: registrationPollAttempts,
		pollInterval: registrationPollInterval,
		waitBinding:  bindingWait,
		log:          log.With("component", "caller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.pub = newPublisher(log)
	c.sink = media.NewSink(log)
	c.machine = call.NewMachine(c.sink, log)
	c.machine.OnUpdate(c.publishStatus)
	c.machine.OnFailure(c.recordFailure)
	manager.OnStateChange(c.handleRegistrationState)
	manager.OnIncomingCall(c.handleIncoming)
	return c
}

// Configure устанавливает учетную запись
func (c *Controller) Configure(id registration.Identity) error {
	if err := c.manager.Configure(id); err != nil {
		return err
	}
	c.publishStatus()
	return nil
}

// Start запускает регистрацию
func (c *Controller) Start() registration.StartResult {
	return c.manager.Start()
}

// Place размещает исходящий вызов на нормализованный адрес.
//
// Блокируется до исхода размещения: либо сессия создана и вызов
// в Ringing, либо повторы по таблице исчерпаны. Внутренние сбои
// регистрации не всплывают: они видны только как
// ErrSignalingUnavailable после исчерпания повторов.
func (c *Controller) Place(ctx context.Context, raw string) (string, error) {
	if _, ok := c.manager.Identity(); !ok {
		return "", ErrNotAuthenticated
	}
	addr, err := NormalizeAddress(raw)
	if err != nil {
		return "", err
	}
	if err := c.machine.Begin(addr); err != nil {
		return "", ErrCallInProgress
	}
	c.metrics.placementsTotal.Inc()

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.placeCancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.placeCancel = nil
		c.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, addr)
		if err == nil {
			c.log.Info("вызов размещен", "address", addr)
			return addr, nil
		}
		if ctx.Err() != nil {
			c.machine.Abort()
			c.metrics.placementFailures.WithLabelValues("canceled").Inc()
			return "", fmt.Errorf("размещение прервано: %w", ctx.Err())
		}
		if errors.Is(err, call.ErrPlacementAborted) {
			// Автомат уже очищен из EndCall, сессия отменена в attempt
			c.metrics.placementFailures.WithLabelValues("canceled").Inc()
			return "", fmt.Errorf("размещение прервано: %w", err)
		}
		if !errors.Is(err, errNotRegistered) || attempt >= len(c.retryDelays) {
			c.log.Warn("размещение не удалось", "address", addr, "error", err)
			c.machine.Abort()
			c.metrics.placementFailures.WithLabelValues("signaling").Inc()
			return "", ErrSignalingUnavailable
		}

		delay := c.retryDelays[attempt]
		c.log.Info("размещение отложено до восстановления регистрации",
			"delay", delay, "attempt", attempt+1, "max", len(c.retryDelays))
		c.publishStatus()
		if !sleepCtx(ctx, delay) {
			c.machine.Abort()
			c.metrics.placementFailures.WithLabelValues("canceled").Inc()
			return "", fmt.Errorf("размещение прервано: %w", ctx.Err())
		}
	}
}

// attempt выполняет одну попытку размещения.
// errNotRegistered означает, что попытку можно повторить.
func (c *Controller) attempt(ctx context.Context, addr string) error {
	b := c.manager.Binding()
	if b == nil {
		c.manager.Start()
		if !sleepCtx(ctx, c.waitBinding) {
			return ctx.Err()
		}
		b = c.manager.Binding()
		if b == nil {
			return errors.New("транспорт не установлен")
		}
	}

	if !b.Registered() {
		if err := b.Register(ctx); err != nil {
			c.log.Warn("ошибка отправки REGISTER перед вызовом", "error", err)
		}
		for i := 0; i < c.pollAttempts && !b.Registered(); i++ {
			if !sleepCtx(ctx, c.pollInterval) {
				return ctx.Err()
			}
		}
		if !b.Registered() {
			return errNotRegistered
		}
	}

	s, err := b.Invite(ctx, addr)
	if err != nil {
		return fmt.Errorf("ошибка размещения вызова: %w", err)
	}
	if err := c.machine.Attach(s); err != nil {
		// EndCall успел сработать между Invite и привязкой сессии
		cancelCtx, cancel := context.WithTimeout(context.Background(), rejectTimeout)
		defer cancel()
		if cerr := s.Cancel(cancelCtx); cerr != nil {
			c.log.Warn("ошибка отмены осиротевшей сессии", "error", cerr)
		}
		return err
	}
	return nil
}

// EndCall завершает активный вызов. На свободной линии это успешный
// no-op без обращений к транспорту.
func (c *Controller) EndCall(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.placeCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.machine.End(ctx)
}

// Logout останавливает регистрацию и очищает все состояние контроллера
func (c *Controller) Logout() {
	c.mu.Lock()
	cancel := c.placeCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.machine.ForceIdle()
	c.manager.Stop()
	c.manager.Clear()
	c.pub.clearFailure()
	c.publishStatus()
	c.log.Info("выход из учетной записи выполнен")
}

// GetStatus возвращает снимок состояния. Отложенный итог неуспешного
// вызова попадает ровно в один снимок.
func (c *Controller) GetStatus() Snapshot {
	return c.snapshot()
}

// Subscribe добавляет получателя снимков состояния
func (c *Controller) Subscribe(obs Observer) {
	c.pub.subscribe(obs)
}

// UnlockPlayback отмечает действие пользователя, разблокирующее
// воспроизведение
func (c *Controller) UnlockPlayback() {
	c.sink.Unlock()
}

// Sink возвращает разделяемый приемник воспроизведения
func (c *Controller) Sink() *media.Sink {
	return c.sink
}

// handleIncoming принимает анонс входящей сессии. При занятой линии
// входящий вызов отклоняется, активная сессия не затрагивается.
func (c *Controller) handleIncoming(s transport.Session) {
	if err := c.machine.AttachIncoming(s); err != nil {
		c.log.Info("входящий вызов отклонен: линия занята", "peer", s.Peer())
		ctx, cancel := context.WithTimeout(context.Background(), rejectTimeout)
		defer cancel()
		if err := s.Cancel(ctx); err != nil {
			c.log.Warn("ошибка отклонения входящего вызова", "error", err)
		}
	}
}

func (c *Controller) handleRegistrationState(st registration.State) {
	switch st {
	case registration.StateRegistered:
		c.metrics.registrationsTotal.Inc()
	case registration.StateConnecting:
		c.metrics.reconnectsTotal.Inc()
	}
	c.publishStatus()
}

func (c *Controller) recordFailure(f call.Failure) {
	c.pub.setFailure(f)
	c.metrics.callOutcomes.WithLabelValues(strconv.Itoa(f.Code)).Inc()
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		RegistrationState: c.manager.State(),
		CallState:         c.machine.State(),
		CallPeer:          c.machine.Peer(),
		CallDuration:      c.machine.Duration(),
		EarlyMedia:        c.machine.EarlyMedia(),
	}
	if id, ok := c.manager.Identity(); ok {
		s.Authenticated = true
		s.Address = id.Address
		s.DisplayName = id.DisplayName
	}
	s.LastFailure = c.pub.takeFailure()
	return s
}

func (c *Controller) publishStatus() {
	snap := c.snapshot()
	if snap.CallState == call.StateIdle {
		c.metrics.callsActive.Set(0)
	} else {
		c.metrics.callsActive.Set(1)
	}
	c.pub.publish(snap)
}

// sleepCtx ждет d или отмены контекста.
// Возвращает false если контекст отменен.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
