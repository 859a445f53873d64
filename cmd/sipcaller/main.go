// Команда sipcaller поднимает контроллер вызовов: восстанавливает или
// выполняет вход в учетную запись, регистрируется на сигнальном
// сервере и отдает метрики. Адрес для немедленного вызова можно
// передать через окружение.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sip_caller/pkg/account"
	"github.com/arzzra/sip_caller/pkg/caller"
	"github.com/arzzra/sip_caller/pkg/media"
	"github.com/arzzra/sip_caller/pkg/registration"
)

// Config переменные окружения бинаря
type Config struct {
	// AuthURL корень API авторизации
	AuthURL string `env:"SIP_CALLER_AUTH_URL,required"`

	// Username и Password для входа, когда нет сохраненной сессии
	Username string `env:"SIP_CALLER_USERNAME"`
	Password string `env:"SIP_CALLER_PASSWORD"`

	// StatePath файл сохраненной сессии, по умолчанию в домашнем каталоге
	StatePath string `env:"SIP_CALLER_STATE"`

	// ServerHost и WSURL подставляются в профиль без адресов площадки
	ServerHost string `env:"SIP_CALLER_SERVER_HOST"`
	WSURL      string `env:"SIP_CALLER_WS_URL"`

	// MetricsAddr адрес HTTP эндпоинта метрик
	MetricsAddr string `env:"SIP_CALLER_METRICS_ADDR" envDefault:":9091"`

	// RTPAddr локальный UDP адрес, с которого входящий RTP подается
	// в приемник воспроизведения. Пусто - прием аудио выключен.
	RTPAddr string `env:"SIP_CALLER_RTP_ADDR"`

	// LogLevel уровень логирования: debug, info, warn, error
	LogLevel string `env:"SIP_CALLER_LOG_LEVEL" envDefault:"info"`

	// Call необязательный адрес для немедленного вызова после регистрации
	Call string `env:"SIP_CALLER_CALL"`
}

func main() {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		slog.Error("ошибка чтения конфигурации", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	if cfg.StatePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Error("домашний каталог недоступен", "error", err)
			os.Exit(1)
		}
		cfg.StatePath = filepath.Join(home, ".sip_caller", "session.json")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("завершение с ошибкой", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	client, err := account.NewClient(account.Config{
		BaseURL:            strings.TrimRight(cfg.AuthURL, "/"),
		DefaultServerHost:  cfg.ServerHost,
		DefaultEndpointURI: cfg.WSURL,
	}, log)
	if err != nil {
		return err
	}
	store := account.NewStore(cfg.StatePath, log)

	identity, authenticated := client.Restore(ctx, store)
	if !authenticated && cfg.Username != "" {
		identity, err = login(ctx, client, store, cfg)
		if err != nil {
			return err
		}
		authenticated = true
	}

	registry := prometheus.NewRegistry()
	manager := registration.NewManager(nil, log)
	ctrl := caller.NewController(manager, log,
		caller.WithMetrics(caller.NewMetrics(registry)))
	ctrl.Subscribe(func(s caller.Snapshot) {
		attrs := []any{
			"registration", s.RegistrationState.String(),
			"call", s.CallState.String(),
		}
		if s.CallPeer != "" {
			attrs = append(attrs, "peer", s.CallPeer, "duration", s.CallDuration)
		}
		if s.LastFailure != nil {
			attrs = append(attrs, "failureCode", s.LastFailure.Code,
				"failureMessage", s.LastFailure.Message)
		}
		log.Info("статус", attrs...)
	})

	if cfg.RTPAddr != "" {
		conn, err := net.ListenPacket("udp", cfg.RTPAddr)
		if err != nil {
			return err
		}
		go func() {
			if err := media.Pump(ctx, conn, ctrl.Sink(), log); err != nil {
				log.Error("прием RTP остановлен с ошибкой", "error", err)
			}
		}()
	}

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(registry)}
	go func() {
		log.Info("метрики доступны", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ошибка HTTP сервера метрик", "error", err)
		}
	}()

	if authenticated {
		if err := ctrl.Configure(identity); err != nil {
			return err
		}
		ctrl.Start()
	} else {
		log.Warn("нет сохраненной сессии и учетных данных: контроллер не аутентифицирован")
	}

	if cfg.Call != "" && authenticated {
		go func() {
			addr, err := ctrl.Place(ctx, cfg.Call)
			if err != nil {
				log.Warn("вызов не размещен", "raw", cfg.Call, "error", err)
				return
			}
			log.Info("вызов идет", "address", addr)
		}()
	}

	<-ctx.Done()
	log.Info("остановка")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.EndCall(shutdownCtx); err != nil {
		log.Warn("ошибка завершения вызова при остановке", "error", err)
	}
	manager.Stop()
	return srv.Shutdown(shutdownCtx)
}

func login(ctx context.Context, client *account.Client, store *account.Store, cfg Config) (registration.Identity, error) {
	if _, err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		return registration.Identity{}, err
	}
	identity, err := client.FetchProfile(ctx)
	if err != nil {
		return registration.Identity{}, err
	}
	if err := store.Save(client.Export(&identity)); err != nil {
		slog.Warn("сессия не сохранена", "error", err)
	}
	return identity, nil
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
