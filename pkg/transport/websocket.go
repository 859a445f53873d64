package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/sip_caller/pkg/timers"
)

// Проверяем, что WSBinding реализует интерфейс Binding
var _ Binding = (*WSBinding)(nil)

// WSBinding привязка к SIP серверу поверх WebSocket на базе sipgo.
// Одна привязка владеет одним sipgo User Agent и одним каналом событий.
type WSBinding struct {
	cfg Config

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	// Адрес и транспортный параметр, вычисленные из EndpointURI
	wsAddr      string
	wsTransport string

	events chan Event

	mu         sync.Mutex
	connected  bool
	registered bool
	closed     bool

	// Активные сессии по Call-ID для маршрутизации BYE/CANCEL
	sessions map[string]*wsSession

	// refresh переотправляет REGISTER до истечения срока регистрации
	refresh timers.Handle

	log *slog.Logger
}

// NewWSBinding создает привязку для указанной конфигурации.
// Соединение не устанавливается до вызова Connect.
func NewWSBinding(cfg Config, log *slog.Logger) (*WSBinding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация привязки: %w", err)
	}
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	u, _ := url.Parse(cfg.EndpointURI)
	addr := u.Host
	wsTransport := "WS"
	if u.Scheme == "wss" {
		wsTransport = "WSS"
		if u.Port() == "" {
			addr = u.Host + ":443"
		}
	} else if u.Port() == "" {
		addr = u.Host + ":80"
	}

	return &WSBinding{
		cfg:         cfg,
		wsAddr:      addr,
		wsTransport: wsTransport,
		events:      make(chan Event, 16),
		sessions:    make(map[string]*wsSession),
		log:         log.With("component", "transport"),
	}, nil
}

// Connect создает sipgo стек и начинает доставку событий.
// Повторный вызов на открытой привязке является no-op.
func (b *WSBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("привязка уже закрыта")
	}
	if b.connected {
		b.mu.Unlock()
		return nil
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(b.cfg.UserAgent))
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("ошибка создания User Agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		b.mu.Unlock()
		ua.Close()
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		b.mu.Unlock()
		ua.Close()
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}

	b.ua = ua
	b.client = client
	b.server = server

	server.OnInvite(b.handleInvite)
	server.OnBye(b.handleBye)
	server.OnCancel(b.handleCancel)
	server.OnAck(b.handleAck)

	b.connected = true
	// emit берет b.mu, событие публикуется после освобождения мьютекса
	b.mu.Unlock()

	b.log.Info("транспорт установлен", "endpoint", b.cfg.EndpointURI)
	b.emit(Event{Kind: EventConnected})
	return nil
}

// Close разрывает транспорт и закрывает канал событий
func (b *WSBinding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	b.registered = false
	ua := b.ua
	b.ua = nil
	b.client = nil
	b.server = nil
	b.mu.Unlock()

	b.refresh.Cancel()
	if ua != nil {
		if err := ua.Close(); err != nil {
			b.log.Debug("ошибка закрытия User Agent", "error", err)
		}
	}
	close(b.events)
	b.log.Info("транспорт закрыт")
	return nil
}

// Events канал транспортных событий
func (b *WSBinding) Events() <-chan Event {
	return b.events
}

// Registered возвращает true если последний REGISTER принят сервером
func (b *WSBinding) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

// Register отправляет REGISTER и публикует результат как событие.
// Ошибка возвращается только если запрос не удалось отправить вовсе.
func (b *WSBinding) Register(ctx context.Context) error {
	resp, err := b.sendRegister(ctx, b.cfg.RegisterExpiry)
	if err != nil {
		b.setRegistered(false)
		b.emit(Event{Kind: EventRegistrationFailed, Reason: err.Error()})
		b.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
		return fmt.Errorf("ошибка отправки REGISTER: %w", err)
	}

	if resp.StatusCode/100 == 2 {
		b.setRegistered(true)
		b.refresh.Arm(refreshInterval(b.cfg.RegisterExpiry), b.refreshRegistration)
		b.log.Info("регистрация принята", "address", b.cfg.Address)
		b.emit(Event{Kind: EventRegistrationSucceeded})
		return nil
	}

	b.setRegistered(false)
	b.log.Warn("регистрация отклонена",
		"status", int(resp.StatusCode), "reason", resp.Reason)
	b.emit(Event{
		Kind:   EventRegistrationFailed,
		Status: int(resp.StatusCode),
		Reason: resp.Reason,
	})
	return nil
}

// Unregister снимает регистрацию (Expires: 0)
func (b *WSBinding) Unregister(ctx context.Context) error {
	b.setRegistered(false)
	if _, err := b.sendRegister(ctx, 0); err != nil {
		return fmt.Errorf("ошибка снятия регистрации: %w", err)
	}
	b.log.Info("регистрация снята", "address", b.cfg.Address)
	return nil
}

// sendRegister отправляет REGISTER, отвечая ровно на один digest challenge
func (b *WSBinding) sendRegister(ctx context.Context, expiry time.Duration) (*sip.Response, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("транспорт не установлен")
	}

	req := b.makeRegister(expiry)
	resp, err := b.roundTrip(ctx, client, req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		authorized, err := b.withAuthorization(req, resp)
		if err != nil {
			return nil, err
		}
		return b.roundTrip(ctx, client, authorized)
	}
	return resp, nil
}

// makeRegister собирает REGISTER запрос для учетной записи привязки
func (b *WSBinding) makeRegister(expiry time.Duration) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", Host: b.cfg.ServerHost}
	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(b.wsTransport)
	req.SetDestination(b.wsAddr)

	account := sip.Uri{Scheme: "sip", User: b.cfg.Address, Host: b.cfg.ServerHost}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.RandString(8))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: b.cfg.DisplayName,
		Address:     account,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: account, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		DisplayName: b.cfg.DisplayName,
		Address:     account,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	expires := sip.ExpiresHeader(expiry / time.Second)
	req.AppendHeader(&expires)
	return req
}

// withAuthorization строит повтор запроса с ответом на digest challenge
func (b *WSBinding) withAuthorization(req *sip.Request, resp *sip.Response) (*sip.Request, error) {
	headerName := "WWW-Authenticate"
	respHeaderName := "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
		respHeaderName = "Proxy-Authorization"
	}

	challengeHeader := resp.GetHeader(headerName)
	if challengeHeader == nil {
		return nil, fmt.Errorf("ответ %d без заголовка %s", int(resp.StatusCode), headerName)
	}
	challenge, err := digest.ParseChallenge(challengeHeader.Value())
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора challenge: %w", err)
	}

	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: b.cfg.Address,
		Password: b.cfg.Credential,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка вычисления digest: %w", err)
	}

	retry := req.Clone()
	retry.SetTransport(b.wsTransport)
	retry.SetDestination(b.wsAddr)
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.AppendHeader(sip.NewHeader(respHeaderName, cred.String()))
	return retry, nil
}

// roundTrip отправляет запрос и ждет финальный ответ
func (b *WSBinding) roundTrip(ctx context.Context, client *sipgo.Client, req *sip.Request) (*sip.Response, error) {
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ошибка транзакции %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("транзакция %s завершена без ответа", req.Method)
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("транзакция %s завершена без ответа", req.Method)
			}
			if resp.StatusCode >= 200 {
				return resp, nil
			}
			// 1xx на REGISTER игнорируем
		}
	}
}

// Invite начинает исходящий вызов
func (b *WSBinding) Invite(ctx context.Context, target string) (Session, error) {
	b.mu.Lock()
	client := b.client
	registered := b.registered
	b.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("транспорт не установлен")
	}
	if !registered {
		return nil, fmt.Errorf("привязка не зарегистрирована")
	}

	req, err := b.makeInvite(target)
	if err != nil {
		return nil, err
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки INVITE: %w", err)
	}

	s := newOutgoingSession(b, req, tx, target)
	b.trackSession(s)
	go s.runOutgoing()
	b.log.Info("INVITE отправлен", "target", target, "stun", b.cfg.STUNServer)
	return s, nil
}

// makeInvite собирает INVITE c аудио SDP предложением
func (b *WSBinding) makeInvite(target string) (*sip.Request, error) {
	recipient := sip.Uri{Scheme: "sip", User: target, Host: b.cfg.ServerHost}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(b.wsTransport)
	req.SetDestination(b.wsAddr)

	account := sip.Uri{Scheme: "sip", User: b.cfg.Address, Host: b.cfg.ServerHost}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.RandString(8))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: b.cfg.DisplayName,
		Address:     account,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		DisplayName: b.cfg.DisplayName,
		Address:     account,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	body, err := buildAudioOffer(b.cfg.Address, b.cfg.ServerHost)
	if err != nil {
		return nil, fmt.Errorf("ошибка сборки SDP предложения: %w", err)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)
	return req, nil
}

// handleInvite обрабатывает входящий INVITE и публикует новую сессию
func (b *WSBinding) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.User
	}
	b.log.Info("входящий вызов", "peer", peer)

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)); err != nil {
		b.log.Debug("ошибка отправки 180", "error", err)
	}

	s := newIncomingSession(b, req, tx, peer)
	b.trackSession(s)
	b.emit(Event{Kind: EventIncomingCall, Session: s})
}

// handleBye завершает сессию по запросу удаленной стороны
func (b *WSBinding) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		b.log.Debug("ошибка ответа на BYE", "error", err)
	}
	if s := b.lookupSession(req); s != nil {
		s.remoteEnded()
	} else {
		b.log.Debug("BYE для неизвестной сессии", "call_id", callIDOf(req))
	}
}

// handleCancel отменяет еще не отвеченную входящую сессию
func (b *WSBinding) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		b.log.Debug("ошибка ответа на CANCEL", "error", err)
	}
	if s := b.lookupSession(req); s != nil {
		s.remoteCanceled()
	}
}

func (b *WSBinding) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if s := b.lookupSession(req); s != nil {
		s.remoteConfirmed()
	}
}

func (b *WSBinding) trackSession(s *wsSession) {
	b.mu.Lock()
	b.sessions[s.callID] = s
	b.mu.Unlock()
}

func (b *WSBinding) untrackSession(s *wsSession) {
	b.mu.Lock()
	delete(b.sessions, s.callID)
	b.mu.Unlock()
}

func (b *WSBinding) lookupSession(req *sip.Request) *wsSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[callIDOf(req)]
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return id.Value()
	}
	return ""
}

func (b *WSBinding) setRegistered(v bool) {
	b.mu.Lock()
	b.registered = v
	b.mu.Unlock()
	if !v {
		b.refresh.Cancel()
	}
}

// minRefreshInterval нижняя граница интервала обновления регистрации
const minRefreshInterval = time.Second

// refreshTimeout ограничивает длительность фонового REGISTER
const refreshTimeout = 10 * time.Second

// refreshInterval возвращает момент переотправки REGISTER: половина
// срока регистрации, чтобы успеть до истечения даже при потере
// одного запроса
func refreshInterval(expiry time.Duration) time.Duration {
	d := expiry / 2
	if d < minRefreshInterval {
		return minRefreshInterval
	}
	return d
}

// refreshRegistration фоновое обновление регистрации до истечения
// срока. Неудача проходит обычным путем Register: события
// RegistrationFailed и Disconnected возвращают менеджер в цикл
// переподключения.
func (b *WSBinding) refreshRegistration() {
	b.mu.Lock()
	active := b.connected && b.registered && !b.closed
	b.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	b.log.Debug("обновление регистрации", "address", b.cfg.Address)
	if err := b.Register(ctx); err != nil {
		b.log.Warn("ошибка обновления регистрации", "error", err)
	}
}

// emit публикует событие без блокировки. Переполнение канала означает,
// что потребитель мертв, событие в этом случае теряется с записью в лог.
func (b *WSBinding) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.log.Warn("канал транспортных событий переполнен, событие потеряно",
			"kind", ev.Kind.String())
	}
}
