package call_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_caller/pkg/call"
	"github.com/arzzra/sip_caller/pkg/media"
	"github.com/arzzra/sip_caller/pkg/transport"
	"github.com/arzzra/sip_caller/pkg/transport/mockTransport"
)

const progressSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=sendrecv\r\n"

// failureCollector копит итоги неуспешных вызовов
type failureCollector struct {
	mu       sync.Mutex
	failures []call.Failure
}

func (c *failureCollector) add(f call.Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

func (c *failureCollector) all() []call.Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]call.Failure(nil), c.failures...)
}

func newTestMachine(t *testing.T) (*call.Machine, *media.Sink, *failureCollector) {
	t.Helper()
	sink := media.NewSink(nil)
	sink.Unlock()
	m := call.NewMachine(sink, nil)
	fc := &failureCollector{}
	m.OnFailure(fc.add)
	return m, sink, fc
}

func waitState(t *testing.T, m *call.Machine, want call.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("состояние %s не достигнуто, текущее %s", want, m.State())
}

// TestOutgoingLifecycle прогоняет исходящий вызов через полный
// успешный жизненный цикл
func TestOutgoingLifecycle(t *testing.T) {
	m, sink, _ := newTestMachine(t)
	s := mockTransport.NewSession("0901234567", false)

	require.NoError(t, m.Begin("0901234567"))
	assert.Equal(t, call.StateConnecting, m.State())

	require.NoError(t, m.Attach(s))
	assert.Equal(t, call.StateRinging, m.State())
	assert.Equal(t, "0901234567", m.Peer())

	s.Emit(transport.SessionEvent{
		Kind:        transport.SessionProgress,
		Status:      183,
		ContentType: "application/sdp",
		Body:        []byte(progressSDP),
	})
	waitState(t, m, call.StateRinging)
	deadline := time.Now().Add(time.Second)
	for !m.EarlyMedia() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, m.EarlyMedia(), "SDP в предварительном ответе включает флаг раннего медиа")

	s.Emit(transport.SessionEvent{Kind: transport.SessionAccepted, Status: 200})
	waitState(t, m, call.StateAnswered)
	assert.Equal(t, "00:00", m.Duration())
	assert.True(t, sink.Playing(), "ответ привязывает аудио к приемнику")
	assert.Equal(t, "0901234567", sink.Owner())

	// Повторное подтверждение ничего не меняет
	s.Emit(transport.SessionEvent{Kind: transport.SessionConfirmed})
	waitState(t, m, call.StateAnswered)

	// Через секунду тикер пересчитывает длительность
	deadline = time.Now().Add(2 * time.Second)
	for m.Duration() == "00:00" && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	assert.Equal(t, "00:01", m.Duration())

	s.Finish(transport.SessionEvent{Kind: transport.SessionEnded})
	waitState(t, m, call.StateIdle)
	assert.Empty(t, m.Peer())
	assert.Empty(t, m.Duration())
	assert.False(t, sink.Playing())
	assert.Empty(t, sink.Owner(), "завершение освобождает приемник")
}

// TestFailureBusy проверяет нормализацию итога занятого абонента
func TestFailureBusy(t *testing.T) {
	m, _, fc := newTestMachine(t)
	s := mockTransport.NewSession("1000", false)

	require.NoError(t, m.Begin("1000"))
	require.NoError(t, m.Attach(s))

	s.Finish(transport.SessionEvent{
		Kind:  transport.SessionFailed,
		Cause: transport.CauseBusy,
	})
	waitState(t, m, call.StateIdle)

	failures := fc.all()
	require.Len(t, failures, 1)
	assert.Equal(t, 486, failures[0].Code)
	assert.Equal(t, call.StatusMessage(486), failures[0].Message)
}

// TestFailureExplicitStatusWins проверяет приоритет явного кода ответа
func TestFailureExplicitStatusWins(t *testing.T) {
	m, _, fc := newTestMachine(t)
	s := mockTransport.NewSession("1000", false)

	require.NoError(t, m.Begin("1000"))
	require.NoError(t, m.Attach(s))

	s.Finish(transport.SessionEvent{
		Kind:   transport.SessionFailed,
		Status: 603,
		Cause:  transport.CauseBusy,
	})
	waitState(t, m, call.StateIdle)

	failures := fc.all()
	require.Len(t, failures, 1)
	assert.Equal(t, 603, failures[0].Code)
}

// TestAttachIncomingWhileActive проверяет взаимное исключение вызовов
func TestAttachIncomingWhileActive(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.Begin("1000"))
	require.NoError(t, m.Attach(mockTransport.NewSession("1000", false)))

	second := mockTransport.NewSession("2000", true)
	assert.ErrorIs(t, m.AttachIncoming(second), call.ErrCallActive)
	assert.Equal(t, "1000", m.Peer(), "активный вызов не затронут")
	assert.Equal(t, 0, second.CancelCalls, "автомат не завершает чужую сессию сам")
}

// TestEndIdleIsNoop проверяет, что завершение без вызова безвредно
func TestEndIdleIsNoop(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, call.StateIdle, m.State())
}

// TestEndPreAnswerCancels проверяет отмену неотвеченного вызова и
// принудительную очистку по защитному таймеру
func TestEndPreAnswerCancels(t *testing.T) {
	m, _, _ := newTestMachine(t)
	s := mockTransport.NewSession("1000", false)
	require.NoError(t, m.Begin("1000"))
	require.NoError(t, m.Attach(s))

	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, 1, s.CancelCalls)
	assert.Equal(t, 0, s.TerminateCalls)
	assert.Equal(t, call.StateHangingUp, m.State())

	// Терминальное событие не приходит: автомат очищается сам
	waitState(t, m, call.StateIdle)
}

// TestEndAnsweredTerminates проверяет корректное завершение
// отвеченного вызова
func TestEndAnsweredTerminates(t *testing.T) {
	m, _, _ := newTestMachine(t)
	s := mockTransport.NewSession("1000", false)
	require.NoError(t, m.Begin("1000"))
	require.NoError(t, m.Attach(s))

	s.Emit(transport.SessionEvent{Kind: transport.SessionAccepted, Status: 200})
	waitState(t, m, call.StateAnswered)

	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, 1, s.TerminateCalls)
	assert.Equal(t, 0, s.CancelCalls)

	s.Finish(transport.SessionEvent{Kind: transport.SessionEnded})
	waitState(t, m, call.StateIdle)
}

// TestAttachAfterEndRejected проверяет, что сессия, созданная после
// завершения вызова пользователем, не воскрешает вызов
func TestAttachAfterEndRejected(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.Begin("1000"))

	// EndCall на стадии размещения: сессии еще нет, автомат очищен
	require.NoError(t, m.End(context.Background()))
	assert.Equal(t, call.StateIdle, m.State())

	late := mockTransport.NewSession("1000", false)
	assert.ErrorIs(t, m.Attach(late), call.ErrPlacementAborted)
	assert.Equal(t, call.StateIdle, m.State())
	assert.Empty(t, m.Peer())

	// События непривязанной сессии автомат не потребляет
	late.Emit(transport.SessionEvent{Kind: transport.SessionAccepted, Status: 200})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, call.StateIdle, m.State())
}

// TestAbortClearsPlacement проверяет прерывание размещения до
// создания сессии
func TestAbortClearsPlacement(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.NoError(t, m.Begin("1000"))
	assert.Equal(t, call.StateConnecting, m.State())

	m.Abort()
	assert.Equal(t, call.StateIdle, m.State())
	assert.Empty(t, m.Peer())

	// Автомат свободен для нового вызова
	require.NoError(t, m.Begin("2000"))
}
