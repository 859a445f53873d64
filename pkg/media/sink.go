// Package media содержит единственный разделяемый приемник воспроизведения
// входящего аудио. Приемником в каждый момент владеет не более одной
// сессии; владелец может меняться (rebind) без пересоздания приемника.
//
// Приемник терпим к политике автозапуска платформы: если воспроизведение
// запрошено до первого действия пользователя, намерение ставится в
// очередь и повторяется один раз после разблокировки.
package media

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
)

// ErrPlaybackBlocked - воспроизведение отложено политикой автозапуска
var ErrPlaybackBlocked = errors.New("воспроизведение заблокировано до действия пользователя")

// ErrNotOwner - операция от сессии, не владеющей приемником
var ErrNotOwner = errors.New("приемник принадлежит другой сессии")

// Sink разделяемый приемник воспроизведения
type Sink struct {
	mu sync.Mutex

	owner    string // метка сессии-владельца, пусто если свободен
	unlocked bool   // было ли действие пользователя
	pending  bool   // воспроизведение отложено до разблокировки
	playing  bool

	// Статистика входящего потока
	packets   uint64
	lastSeq   uint16
	lastPT    uint8
	haveStats bool

	log *slog.Logger
}

// NewSink создает приемник. Изначально воспроизведение заблокировано
// политикой автозапуска.
func NewSink(log *slog.Logger) *Sink {
	if log == nil {
		log = slog.Default()
	}
	return &Sink{log: log.With("component", "media")}
}

// Acquire передает приемник новой сессии. Текущее воспроизведение
// останавливается, статистика сбрасывается.
func (s *Sink) Acquire(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" && s.owner != owner {
		s.log.Debug("приемник перепривязан", "from", s.owner, "to", owner)
	}
	s.owner = owner
	s.playing = false
	s.pending = false
	s.packets = 0
	s.haveStats = false
}

// Release освобождает приемник, если им владеет указанная сессия.
// Чужой Release игнорируется: приемник уже мог быть перепривязан.
func (s *Sink) Release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.owner = ""
	s.playing = false
	s.pending = false
	s.packets = 0
	s.haveStats = false
}

// Play запускает воспроизведение для владельца. До разблокировки
// намерение ставится в очередь и возвращается ErrPlaybackBlocked.
func (s *Sink) Play(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return ErrNotOwner
	}
	if !s.unlocked {
		s.pending = true
		s.log.Info("воспроизведение отложено до действия пользователя", "owner", owner)
		return ErrPlaybackBlocked
	}
	s.playing = true
	return nil
}

// Unlock отмечает действие пользователя и один раз повторяет
// отложенное воспроизведение
func (s *Sink) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = true
	if s.pending {
		s.pending = false
		if s.owner != "" {
			s.playing = true
			s.log.Info("отложенное воспроизведение запущено", "owner", s.owner)
		}
	}
}

// Write принимает входящий аудио пакет. Пакеты вне активного
// воспроизведения молча отбрасываются.
func (s *Sink) Write(pkt *rtp.Packet) error {
	if pkt == nil {
		return errors.New("пустой пакет")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return nil
	}
	s.packets++
	s.lastSeq = pkt.SequenceNumber
	s.lastPT = pkt.PayloadType
	s.haveStats = true
	return nil
}

// Playing сообщает, идет ли воспроизведение
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Owner возвращает метку сессии-владельца
func (s *Sink) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Stats возвращает счетчик пакетов и параметры последнего пакета
func (s *Sink) Stats() (packets uint64, lastSeq uint16, lastPT uint8, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.lastSeq, s.lastPT, s.haveStats
}
