package caller

import (
	"log/slog"
	"sync"

	"github.com/arzzra/sip_caller/pkg/call"
	"github.com/arzzra/sip_caller/pkg/registration"
)

// Snapshot неизменяемый срез состояния контроллера.
// LastFailure одноразовый: попадает ровно в один снимок и после этого
// очищается даже без новых событий.
type Snapshot struct {
	Authenticated bool   `json:"authenticated"`
	Address       string `json:"address,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`

	RegistrationState registration.State `json:"registrationState"`

	CallState    call.State `json:"callState"`
	CallPeer     string     `json:"callPeer,omitempty"`
	CallDuration string     `json:"callDuration,omitempty"`
	EarlyMedia   bool       `json:"earlyMedia,omitempty"`

	LastFailure *call.Failure `json:"lastFailure,omitempty"`
}

// Observer получатель снимков состояния
type Observer func(Snapshot)

// publisher доставляет снимки подписчикам по возможности: сбой или
// паника одного подписчика логируется и не влияет на остальных
type publisher struct {
	mu        sync.Mutex
	observers []Observer
	failure   *call.Failure

	log *slog.Logger
}

func newPublisher(log *slog.Logger) *publisher {
	return &publisher{log: log.With("component", "status")}
}

func (p *publisher) subscribe(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// setFailure запоминает итог неуспешного вызова до первого снимка
func (p *publisher) setFailure(f call.Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = &f
}

// takeFailure отдает отложенный итог и очищает его
func (p *publisher) takeFailure() *call.Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.failure
	p.failure = nil
	return f
}

func (p *publisher) clearFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = nil
}

func (p *publisher) publish(s Snapshot) {
	p.mu.Lock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()

	for i, obs := range observers {
		p.deliver(i, obs, s)
	}
}

func (p *publisher) deliver(i int, obs Observer, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("подписчик статуса завершился паникой",
				"observer", i, "panic", r)
		}
	}()
	obs(s)
}
