package caller

import "time"

// Option настраивает контроллер при создании
type Option func(*Controller)

// WithCallRetryDelays заменяет таблицу задержек повторов размещения
func WithCallRetryDelays(delays []time.Duration) Option {
	return func(c *Controller) {
		c.retryDelays = delays
	}
}

// WithRegistrationPoll заменяет параметры опроса регистрации перед
// размещением
func WithRegistrationPoll(attempts int, interval time.Duration) Option {
	return func(c *Controller) {
		c.pollAttempts = attempts
		c.pollInterval = interval
	}
}

// WithBindingWait заменяет ожидание транспорта после запуска менеджера
func WithBindingWait(d time.Duration) Option {
	return func(c *Controller) {
		c.waitBinding = d
	}
}

// WithMetrics подставляет заранее созданные метрики
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}
