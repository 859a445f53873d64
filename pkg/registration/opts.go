package registration

import "time"

// ManagerOption настраивает политику менеджера регистрации
type ManagerOption func(*Manager)

// WithMaxAttempts задает лимит последовательных попыток подключения
func WithMaxAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithThrottleWindow задает защитное окно между вызовами Start
func WithThrottleWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.throttleWindow = d
		}
	}
}

// WithCooldownWindow задает окно охлаждения после исчерпания лимита
func WithCooldownWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.cooldownWindow = d
		}
	}
}

// WithRetryDelays задает таблицу задержек переподключения и
// задержку за ее пределами
func WithRetryDelays(delays []time.Duration, fallback time.Duration) ManagerOption {
	return func(m *Manager) {
		if len(delays) > 0 {
			m.delays = delays
		}
		if fallback > 0 {
			m.fallbackDelay = fallback
		}
	}
}
