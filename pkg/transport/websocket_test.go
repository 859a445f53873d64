package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnectEmitsConnected проверяет, что Connect возвращается и
// публикует событие подключения
func TestConnectEmitsConnected(t *testing.T) {
	b, err := NewWSBinding(validConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	connected := make(chan error, 1)
	go func() { connected <- b.Connect(context.Background()) }()

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect не вернулся")
	}

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("событие подключения не опубликовано")
	}

	// Повторный Connect на открытой привязке является no-op
	require.NoError(t, b.Connect(context.Background()))
	select {
	case ev := <-b.Events():
		t.Fatalf("повторный Connect опубликовал событие %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestConnectAfterCloseRejected проверяет, что закрытую привязку
// нельзя переоткрыть
func TestConnectAfterCloseRejected(t *testing.T) {
	b, err := NewWSBinding(validConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.Error(t, b.Connect(context.Background()))
}

// TestRefreshInterval проверяет расчет интервала обновления регистрации
func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, 300*time.Second, refreshInterval(600*time.Second))
	assert.Equal(t, 30*time.Second, refreshInterval(time.Minute))
	assert.Equal(t, time.Second, refreshInterval(time.Second), "интервал не опускается ниже секунды")
}

// TestRefreshCanceledOnUnregister проверяет, что потеря регистрации
// снимает взведенный таймер обновления
func TestRefreshCanceledOnUnregister(t *testing.T) {
	b, err := NewWSBinding(validConfig(), nil)
	require.NoError(t, err)

	b.refresh.Arm(time.Hour, func() {})
	require.True(t, b.refresh.Pending())

	b.setRegistered(false)
	assert.False(t, b.refresh.Pending(), "сброс регистрации обязан снимать таймер обновления")
}

// TestRefreshSkippedWhenInactive проверяет, что фоновое обновление
// на неактивной привязке не порождает событий
func TestRefreshSkippedWhenInactive(t *testing.T) {
	b, err := NewWSBinding(validConfig(), nil)
	require.NoError(t, err)

	b.refreshRegistration()
	select {
	case ev := <-b.Events():
		t.Fatalf("неактивная привязка опубликовала событие %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}
