// Package account отвечает за вход в учетную запись, получение
// сигнального профиля и восстановление сохраненной сессии.
//
// Клиент намеренно простой: без повторов и без обновления токена.
// Сбои всплывают как ошибки входа или невалидная учетная запись.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/sip_caller/pkg/registration"
)

// defaultHTTPTimeout таймаут запросов к серверу авторизации
const defaultHTTPTimeout = 10 * time.Second

var (
	// ErrLoginFailed - сервер отклонил вход
	ErrLoginFailed = errors.New("вход не выполнен")
	// ErrNotLoggedIn - операция требует выполненного входа
	ErrNotLoggedIn = errors.New("требуется вход в учетную запись")
	// ErrNoProfile - у учетной записи нет сигнального профиля
	ErrNoProfile = errors.New("сигнальный профиль не найден")
)

// Config параметры клиента авторизации
type Config struct {
	// BaseURL корень API авторизации, например https://office.example.com/auth
	BaseURL string

	// DefaultServerHost подставляется, когда профиль не указывает сервер
	DefaultServerHost string

	// DefaultEndpointURI подставляется, когда профиль не указывает WebSocket
	DefaultEndpointURI string

	// HTTPTimeout таймаут запросов, по умолчанию defaultHTTPTimeout
	HTTPTimeout time.Duration
}

// UserInfo отображаемые поля пользователя
type UserInfo struct {
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Client клиент сервера авторизации
type Client struct {
	cfg  Config
	http *http.Client

	mu      sync.Mutex
	token   string
	refresh string
	sipID   string
	user    UserInfo

	log *slog.Logger
}

// NewClient создает клиент авторизации
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("не задан адрес сервера авторизации")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "неверный адрес сервера авторизации")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		log:  log.With("component", "account"),
	}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message string     `json:"message"`
	Data    *loginData `json:"data"`
}

type loginData struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Username     string `json:"username"`
	SIP          string `json:"sip"`
	FirstName    string `json:"firstname"`
	LastName     string `json:"lastname"`
}

// Login выполняет вход и запоминает токен с привязкой профиля
func (c *Client) Login(ctx context.Context, username, password string) (UserInfo, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return UserInfo{}, errors.Wrap(err, "ошибка кодирования запроса входа")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return UserInfo{}, errors.Wrap(err, "ошибка создания запроса входа")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return UserInfo{}, errors.Wrap(err, "ошибка запроса входа")
	}
	defer resp.Body.Close()

	var parsed loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return UserInfo{}, errors.Wrap(err, "ошибка разбора ответа входа")
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Message != "" {
			return UserInfo{}, fmt.Errorf("%w: %s", ErrLoginFailed, parsed.Message)
		}
		return UserInfo{}, fmt.Errorf("%w: статус %d", ErrLoginFailed, resp.StatusCode)
	}
	if parsed.Data == nil || parsed.Data.Token == "" {
		return UserInfo{}, fmt.Errorf("%w: ответ без токена", ErrLoginFailed)
	}

	c.mu.Lock()
	c.token = parsed.Data.Token
	c.refresh = parsed.Data.RefreshToken
	c.sipID = parsed.Data.SIP
	c.user = UserInfo{
		Username:  parsed.Data.Username,
		FirstName: parsed.Data.FirstName,
		LastName:  parsed.Data.LastName,
	}
	user := c.user
	c.mu.Unlock()

	c.log.Info("вход выполнен", "username", user.Username)
	return user, nil
}

type profileResponse struct {
	Data []profileRecord `json:"data"`
}

type profileRecord struct {
	Extension string     `json:"extension"`
	Password  string     `json:"password"`
	PBX       *pbxRecord `json:"pbx"`
}

type pbxRecord struct {
	Host   string `json:"host"`
	WsHost string `json:"WsHost"`
}

// FetchProfile запрашивает сигнальный профиль учетной записи.
// Отсутствующие у площадки адреса сервера и WebSocket заменяются
// значениями по умолчанию из конфигурации.
func (c *Client) FetchProfile(ctx context.Context) (registration.Identity, error) {
	c.mu.Lock()
	token, sipID := c.token, c.sipID
	user := c.user
	c.mu.Unlock()
	if token == "" || sipID == "" {
		return registration.Identity{}, ErrNotLoggedIn
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/user/sip?_id="+url.QueryEscape(sipID), nil)
	if err != nil {
		return registration.Identity{}, errors.Wrap(err, "ошибка создания запроса профиля")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return registration.Identity{}, errors.Wrap(err, "ошибка запроса профиля")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return registration.Identity{}, fmt.Errorf("%w: статус %d", ErrNoProfile, resp.StatusCode)
	}

	var parsed profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return registration.Identity{}, errors.Wrap(err, "ошибка разбора профиля")
	}
	if len(parsed.Data) == 0 {
		return registration.Identity{}, ErrNoProfile
	}

	rec := parsed.Data[0]
	host := c.cfg.DefaultServerHost
	endpoint := c.cfg.DefaultEndpointURI
	if rec.PBX != nil {
		if rec.PBX.Host != "" {
			host = rec.PBX.Host
		}
		if rec.PBX.WsHost != "" {
			endpoint = rec.PBX.WsHost
		}
	}

	id := registration.Identity{
		Address:     rec.Extension,
		Credential:  rec.Password,
		ServerHost:  host,
		EndpointURI: endpoint,
		DisplayName: strings.TrimSpace(user.FirstName + " " + user.LastName),
	}
	if err := id.Validate(); err != nil {
		return registration.Identity{}, errors.Wrap(err, "профиль неполный")
	}
	c.log.Info("сигнальный профиль получен", "address", id.Address)
	return id, nil
}

// Token возвращает текущий токен, пустая строка до входа
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// User возвращает отображаемые поля пользователя
func (c *Client) User() UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Export снимает состояние сессии для сохранения
func (c *Client) Export(id *registration.Identity) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Token:        c.token,
		RefreshToken: c.refresh,
		SIPID:        c.sipID,
		User:         c.user,
		Identity:     id,
	}
}

// adopt принимает сохраненное состояние сессии
func (c *Client) adopt(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = st.Token
	c.refresh = st.RefreshToken
	c.sipID = st.SIPID
	c.user = st.User
}
