package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Проверяем, что wsSession реализует интерфейс Session
var _ Session = (*wsSession)(nil)

// wsSession одна сигнальная сессия поверх привязки.
// Терминальное событие испускается ровно один раз, после чего канал
// событий закрывается и сессия снимается с учета в привязке.
type wsSession struct {
	binding *WSBinding

	peer     string
	incoming bool
	callID   string

	invite *sip.Request

	// Транзакция INVITE: клиентская для исходящей, серверная для входящей
	clientTx sip.ClientTransaction
	serverTx sip.ServerTransaction

	// Состояние диалога после 2xx
	mu           sync.Mutex
	inviteResp   *sip.Response
	established  bool
	terminated   bool
	localCSeq    atomic.Uint32
	remoteTarget sip.Uri

	events    chan SessionEvent
	closeOnce sync.Once
}

func newOutgoingSession(b *WSBinding, invite *sip.Request, tx sip.ClientTransaction, peer string) *wsSession {
	s := &wsSession{
		binding:  b,
		peer:     peer,
		callID:   callIDOf(invite),
		invite:   invite,
		clientTx: tx,
		events:   make(chan SessionEvent, 8),
	}
	s.localCSeq.Store(1)
	return s
}

func newIncomingSession(b *WSBinding, invite *sip.Request, tx sip.ServerTransaction, peer string) *wsSession {
	s := &wsSession{
		binding:  b,
		peer:     peer,
		incoming: true,
		callID:   callIDOf(invite),
		invite:   invite,
		serverTx: tx,
		events:   make(chan SessionEvent, 8),
	}
	s.localCSeq.Store(1)
	return s
}

func (s *wsSession) Peer() string                { return s.peer }
func (s *wsSession) Incoming() bool              { return s.incoming }
func (s *wsSession) Events() <-chan SessionEvent { return s.events }

// runOutgoing обрабатывает ответы на исходящий INVITE.
// Жизнь сессии не привязана к контексту вызова Invite: размещенный
// вызов переживает возврат из Place. Локальная отмена выражается
// только методом Cancel.
func (s *wsSession) runOutgoing() {
	noAnswer := time.NewTimer(s.binding.cfg.NoAnswerTimeout)
	defer noAnswer.Stop()

	for {
		select {
		case <-noAnswer.C:
			s.sendCancel()
			s.finish(SessionEvent{
				Kind:   SessionFailed,
				Status: sip.StatusRequestTimeout,
				Cause:  CauseNoAnswer,
				Reason: "нет ответа",
			})
			return

		case <-s.clientTx.Done():
			s.mu.Lock()
			done := s.established || s.terminated
			s.mu.Unlock()
			if done {
				return
			}
			reason := "транзакция завершена без ответа"
			if err := s.clientTx.Err(); err != nil {
				reason = err.Error()
			}
			s.finish(SessionEvent{
				Kind:   SessionFailed,
				Status: sip.StatusRequestTimeout,
				Cause:  CauseNoAnswer,
				Reason: reason,
			})
			return

		case resp := <-s.clientTx.Responses():
			if resp == nil {
				continue
			}
			if s.handleOutgoingResponse(resp) {
				return
			}
		}
	}
}

// handleOutgoingResponse обрабатывает один ответ.
// Возвращает true когда цикл ответов следует остановить.
func (s *wsSession) handleOutgoingResponse(resp *sip.Response) bool {
	status := int(resp.StatusCode)
	log := s.binding.log

	switch {
	case status == int(sip.StatusTrying):
		// 100 не несет информации для уровня вызова
		log.Debug("100 Trying", "call_id", s.callID)
		return false

	case status < 200:
		ev := SessionEvent{Kind: SessionProgress, Status: status}
		if ct := resp.ContentType(); ct != nil {
			ev.ContentType = ct.Value()
		}
		ev.Body = resp.Body()
		s.emit(ev)
		return false

	case status < 300:
		s.mu.Lock()
		s.inviteResp = resp
		s.established = true
		if contact := resp.Contact(); contact != nil {
			s.remoteTarget = contact.Address
		}
		s.mu.Unlock()

		s.emit(SessionEvent{Kind: SessionAccepted, Status: status})
		if err := s.sendAck(resp); err != nil {
			log.Warn("ошибка отправки ACK", "call_id", s.callID, "error", err)
		} else {
			s.emit(SessionEvent{Kind: SessionConfirmed, Status: status})
		}
		// Дальнейшие события придут через BYE обработчик привязки
		return true

	default:
		s.finish(SessionEvent{
			Kind:   SessionFailed,
			Status: status,
			Cause:  causeForStatus(status),
			Reason: resp.Reason,
		})
		return true
	}
}

// causeForStatus отображает финальный код отказа на символьную причину
func causeForStatus(status int) string {
	switch status {
	case int(sip.StatusBusyHere), 600:
		return CauseBusy
	case int(sip.StatusRequestTerminated):
		return CauseCanceled
	case int(sip.StatusRequestTimeout), int(sip.StatusTemporarilyUnavailable):
		return CauseNoAnswer
	case int(sip.StatusForbidden), 603:
		return CauseRejected
	default:
		return ""
	}
}

// Terminate завершает установленную сессию отправкой BYE
func (s *wsSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	if !s.established {
		s.mu.Unlock()
		return fmt.Errorf("сессия не установлена, используйте Cancel")
	}
	s.mu.Unlock()

	if err := s.sendBye(ctx); err != nil {
		// Сессию все равно считаем завершенной: транспорт мог уже умереть
		s.binding.log.Warn("ошибка отправки BYE", "call_id", s.callID, "error", err)
	}
	s.finish(SessionEvent{Kind: SessionEnded})
	return nil
}

// Cancel отменяет не отвеченную сессию
func (s *wsSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	established := s.established
	s.mu.Unlock()

	if established {
		return fmt.Errorf("сессия уже установлена, используйте Terminate")
	}

	if s.incoming {
		resp := sip.NewResponseFromRequest(s.invite, sip.StatusBusyHere, "Busy Here", nil)
		if err := s.serverTx.Respond(resp); err != nil {
			s.binding.log.Warn("ошибка отклонения входящего вызова",
				"call_id", s.callID, "error", err)
		}
		s.finish(SessionEvent{
			Kind:   SessionFailed,
			Status: int(sip.StatusBusyHere),
			Cause:  CauseRejected,
			Reason: "отклонено локально",
		})
		return nil
	}

	s.sendCancel()
	s.finish(SessionEvent{
		Kind:   SessionFailed,
		Status: int(sip.StatusRequestTerminated),
		Cause:  CauseCanceled,
		Reason: "отменено локально",
	})
	return nil
}

// remoteEnded вызывается привязкой при получении BYE
func (s *wsSession) remoteEnded() {
	s.finish(SessionEvent{Kind: SessionEnded})
}

// remoteCanceled вызывается привязкой при получении CANCEL
func (s *wsSession) remoteCanceled() {
	if s.incoming && s.serverTx != nil {
		resp := sip.NewResponseFromRequest(s.invite, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := s.serverTx.Respond(resp); err != nil {
			s.binding.log.Debug("ошибка ответа 487", "call_id", s.callID, "error", err)
		}
	}
	s.finish(SessionEvent{
		Kind:   SessionFailed,
		Status: int(sip.StatusRequestTerminated),
		Cause:  CauseCanceled,
		Reason: "отменено удаленной стороной",
	})
}

// remoteConfirmed вызывается привязкой при получении ACK на входящей сессии
func (s *wsSession) remoteConfirmed() {
	s.mu.Lock()
	established := s.established
	s.mu.Unlock()
	if established {
		s.emit(SessionEvent{Kind: SessionConfirmed})
	}
}

// sendAck подтверждает 2xx. ACK на 2xx идет вне INVITE транзакции.
func (s *wsSession) sendAck(resp *sip.Response) error {
	requestURI := s.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	ack.SetTransport(s.binding.wsTransport)
	ack.SetDestination(s.binding.wsAddr)
	sip.CopyHeaders("From", s.invite, ack)
	sip.CopyHeaders("Call-ID", s.invite, ack)

	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := s.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if err := s.binding.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("ошибка записи ACK: %w", err)
	}
	return nil
}

// sendCancel отменяет исходящую INVITE транзакцию
func (s *wsSession) sendCancel() {
	cancel := sip.NewRequest(sip.CANCEL, s.invite.Recipient)
	cancel.SetTransport(s.binding.wsTransport)
	cancel.SetDestination(s.binding.wsAddr)
	sip.CopyHeaders("Via", s.invite, cancel)
	sip.CopyHeaders("From", s.invite, cancel)
	sip.CopyHeaders("To", s.invite, cancel)
	sip.CopyHeaders("Call-ID", s.invite, cancel)
	if cseq := s.invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	tx, err := s.binding.client.TransactionRequest(ctx, cancel)
	if err != nil {
		s.binding.log.Debug("ошибка отправки CANCEL", "call_id", s.callID, "error", err)
		return
	}
	tx.Terminate()
}

// sendBye завершает установленный диалог
func (s *wsSession) sendBye(ctx context.Context) error {
	s.mu.Lock()
	recipient := s.remoteTarget
	inviteResp := s.inviteResp
	s.mu.Unlock()

	if recipient.Host == "" {
		recipient = s.invite.Recipient
	}

	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetTransport(s.binding.wsTransport)
	bye.SetDestination(s.binding.wsAddr)

	if s.incoming {
		// Для входящей сессии From/To меняются местами
		if from := s.invite.From(); from != nil {
			bye.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := s.invite.To(); to != nil {
			bye.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
	} else {
		sip.CopyHeaders("From", s.invite, bye)
		if to := s.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if inviteResp != nil {
				if respTo := inviteResp.To(); respTo != nil && respTo.Params != nil {
					if tag, ok := respTo.Params.Get("tag"); ok {
						toHdr.Params.Add("tag", tag)
					}
				}
			}
			bye.AppendHeader(toHdr)
		}
	}

	sip.CopyHeaders("Call-ID", s.invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      s.localCSeq.Add(1),
		MethodName: sip.BYE,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	resp, err := s.binding.roundTrip(ctx, s.binding.client, bye)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("BYE отклонен: %d %s", int(resp.StatusCode), resp.Reason)
	}
	return nil
}

// emit публикует нетерминальное событие. Проверка terminated и
// отправка выполняются под одним захватом s.mu: канал закрывается
// в finish под тем же мьютексом, отправка в закрытый канал исключена.
func (s *wsSession) emit(ev SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.binding.log.Warn("канал событий сессии переполнен, событие потеряно",
			"call_id", s.callID, "kind", ev.Kind.String())
	}
}

// finish публикует терминальное событие, закрывает канал и снимает
// сессию с учета. Повторные вызовы являются no-op.
func (s *wsSession) finish(ev SessionEvent) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		select {
		case s.events <- ev:
		default:
			s.binding.log.Warn("терминальное событие сессии потеряно",
				"call_id", s.callID, "kind", ev.Kind.String())
		}
		close(s.events)
		s.mu.Unlock()

		s.binding.untrackSession(s)
	})
}
