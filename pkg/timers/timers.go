// Package timers содержит обертку над time.Timer с дисциплиной
// "отменить, затем взвести". Handle является единственным способом
// планирования отложенных действий в контроллере, поэтому инвариант
// "не более одного ожидающего таймера" обеспечивается структурно.
package timers

import (
	"sync"
	"time"
)

// Handle один логический таймер. Нулевое значение готово к использованию.
type Handle struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// Arm отменяет ожидающий таймер, если он есть, и взводит новый.
// fn выполняется в отдельной горутине по истечении d.
func (h *Handle) Arm(d time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	h.pending = true
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		h.pending = false
		h.mu.Unlock()
		fn()
	})
}

// Cancel останавливает ожидающий таймер.
// Возвращает true если таймер действительно был отменен до срабатывания.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.timer == nil || !h.pending {
		return false
	}
	stopped := h.timer.Stop()
	h.pending = false
	return stopped
}

// Pending возвращает true если таймер взведен и еще не сработал
func (h *Handle) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}
