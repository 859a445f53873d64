package caller_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_caller/pkg/call"
	"github.com/arzzra/sip_caller/pkg/caller"
	"github.com/arzzra/sip_caller/pkg/registration"
	"github.com/arzzra/sip_caller/pkg/transport"
	"github.com/arzzra/sip_caller/pkg/transport/mockTransport"
)

// bindingFactory фабрика моков привязок для контроллерных тестов
type bindingFactory struct {
	mu            sync.Mutex
	bindings      []*mockTransport.Binding
	registerFails bool
}

func (f *bindingFactory) make(cfg transport.Config, log *slog.Logger) (transport.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := mockTransport.NewBinding()
	b.RegisterSucceeds = !f.registerFails
	f.bindings = append(f.bindings, b)
	return b, nil
}

func (f *bindingFactory) last() *mockTransport.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bindings) == 0 {
		return nil
	}
	return f.bindings[len(f.bindings)-1]
}

func (f *bindingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings)
}

func testIdentity() registration.Identity {
	return registration.Identity{
		Address:     "1001",
		Credential:  "secret",
		ServerHost:  "pbx.example.com",
		EndpointURI: "wss://pbx.example.com:7443/ws",
		DisplayName: "Test User",
	}
}

func newTestController(t *testing.T, f *bindingFactory) *caller.Controller {
	t.Helper()
	m := registration.NewManager(f.make, slog.Default(),
		registration.WithThrottleWindow(time.Millisecond),
	)
	t.Cleanup(m.Stop)
	return caller.NewController(m, slog.Default(),
		caller.WithBindingWait(50*time.Millisecond),
		caller.WithRegistrationPoll(5, 20*time.Millisecond),
		caller.WithCallRetryDelays([]time.Duration{30 * time.Millisecond, 30 * time.Millisecond}),
	)
}

// TestPlaceNotAuthenticated проверяет отказ без учетной записи
func TestPlaceNotAuthenticated(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)

	_, err := c.Place(context.Background(), "0901234567")
	assert.ErrorIs(t, err, caller.ErrNotAuthenticated)
	assert.Equal(t, 0, f.count(), "транспорт не должен затрагиваться")
}

// TestPlaceInvalidAddress проверяет отказ на коротком адресе
func TestPlaceInvalidAddress(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	_, err := c.Place(context.Background(), "12")
	assert.ErrorIs(t, err, caller.ErrInvalidAddress)
	assert.Equal(t, 0, f.count(), "транспорт не должен затрагиваться")
	assert.Equal(t, call.StateIdle, c.GetStatus().CallState)
}

// TestPlaceSuccess проверяет успешное размещение с автозапуском
// менеджера регистрации
func TestPlaceSuccess(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	addr, err := c.Place(context.Background(), "090-123 4567")
	require.NoError(t, err)
	assert.Equal(t, "0901234567", addr)

	b := f.last()
	require.NotNil(t, b)
	assert.Equal(t, 1, b.InviteCalls)
	assert.Equal(t, "0901234567", b.LastTarget)

	st := c.GetStatus()
	assert.Equal(t, call.StateRinging, st.CallState)
	assert.Equal(t, "0901234567", st.CallPeer)
	assert.True(t, st.Authenticated)
}

// TestPlaceCallInProgress проверяет взаимное исключение размещений
func TestPlaceCallInProgress(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	_, err := c.Place(context.Background(), "0901234567")
	require.NoError(t, err)
	invites := f.last().InviteCalls

	_, err = c.Place(context.Background(), "0987654321")
	assert.ErrorIs(t, err, caller.ErrCallInProgress)
	assert.Equal(t, invites, f.last().InviteCalls, "второе размещение без побочных эффектов")
	assert.Equal(t, "0901234567", c.GetStatus().CallPeer)
}

// TestPlaceWaitsForRegistration проверяет опрос регистрации перед
// размещением
func TestPlaceWaitsForRegistration(t *testing.T) {
	f := &bindingFactory{registerFails: true}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))
	c.Start()

	deadline := time.Now().Add(time.Second)
	for f.last() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, f.last())

	// Регистрация подтверждается во время опроса
	go func() {
		time.Sleep(40 * time.Millisecond)
		f.last().SetRegistered(true)
	}()

	addr, err := c.Place(context.Background(), "0901234567")
	require.NoError(t, err)
	assert.Equal(t, "0901234567", addr)
	assert.GreaterOrEqual(t, f.last().RegisterCalls, 2, "перед вызовом отправлен повторный REGISTER")
}

// TestPlaceExhaustsRetries проверяет исчерпание таблицы повторов
func TestPlaceExhaustsRetries(t *testing.T) {
	f := &bindingFactory{registerFails: true}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))
	c.Start()

	deadline := time.Now().Add(time.Second)
	for f.last() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, f.last())

	_, err := c.Place(context.Background(), "0901234567")
	assert.ErrorIs(t, err, caller.ErrSignalingUnavailable)
	assert.Equal(t, call.StateIdle, c.GetStatus().CallState, "неудачное размещение очищает автомат")
	assert.Equal(t, 0, f.last().InviteCalls)
}

// TestEndCallIdleNoop проверяет безвредность завершения на свободной
// линии
func TestEndCallIdleNoop(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	require.NoError(t, c.EndCall(context.Background()))
	assert.Equal(t, 0, f.count())
}

// TestFailureSurfacedOnce проверяет одноразовый показ итога
// неуспешного вызова: ровно один снимок несет итог, следующие чисты
func TestFailureSurfacedOnce(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)

	var mu sync.Mutex
	var snaps []caller.Snapshot
	c.Subscribe(func(s caller.Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	require.NoError(t, c.Configure(testIdentity()))
	c.Start()
	deadline := time.Now().Add(time.Second)
	for f.last() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, f.last())

	session := mockTransport.NewSession("0901234567", false)
	f.last().NextSession = session

	_, err := c.Place(context.Background(), "0901234567")
	require.NoError(t, err)

	session.Finish(transport.SessionEvent{
		Kind:  transport.SessionFailed,
		Cause: transport.CauseBusy,
	})

	withFailure := func() int {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, s := range snaps {
			if s.LastFailure != nil {
				n++
			}
		}
		return n
	}
	deadline = time.Now().Add(2 * time.Second)
	for withFailure() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, withFailure())

	mu.Lock()
	var carried *call.Failure
	for _, s := range snaps {
		if s.LastFailure != nil {
			carried = s.LastFailure
		}
	}
	mu.Unlock()
	require.NotNil(t, carried)
	assert.Equal(t, 486, carried.Code)

	// Следующий снимок ничего не несет
	assert.Nil(t, c.GetStatus().LastFailure)
	assert.Equal(t, 1, withFailure())
}

// TestIncomingRejectedWhileActive проверяет отклонение входящего
// вызова при занятой линии
func TestIncomingRejectedWhileActive(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	_, err := c.Place(context.Background(), "0901234567")
	require.NoError(t, err)

	incoming := mockTransport.NewSession("2002", true)
	f.last().Emit(transport.Event{Kind: transport.EventIncomingCall, Session: incoming})

	deadline := time.Now().Add(time.Second)
	for incoming.CancelCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, incoming.CancelCalls, "входящий отклонен")
	assert.Equal(t, "0901234567", c.GetStatus().CallPeer, "активный вызов не затронут")
}

// TestLogoutClearsEverything проверяет полную очистку при выходе
func TestLogoutClearsEverything(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)
	require.NoError(t, c.Configure(testIdentity()))

	_, err := c.Place(context.Background(), "0901234567")
	require.NoError(t, err)

	c.Logout()
	st := c.GetStatus()
	assert.False(t, st.Authenticated)
	assert.Equal(t, call.StateIdle, st.CallState)
	assert.Equal(t, registration.StateDisconnected, st.RegistrationState)
	assert.Nil(t, st.LastFailure)
}

// TestSubscribeReceivesSnapshots проверяет доставку снимков и
// устойчивость к панике подписчика
func TestSubscribeReceivesSnapshots(t *testing.T) {
	f := &bindingFactory{}
	c := newTestController(t, f)

	var mu sync.Mutex
	var got []caller.Snapshot
	c.Subscribe(func(s caller.Snapshot) { panic("плохой подписчик") })
	c.Subscribe(func(s caller.Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	require.NoError(t, c.Configure(testIdentity()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got, "паника первого подписчика не мешает второму")
	assert.True(t, got[len(got)-1].Authenticated)
}
