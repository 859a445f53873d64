package account

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/arzzra/sip_caller/pkg/registration"
)

// State сохраняемый снимок сессии
type State struct {
	Token        string                 `json:"token"`
	RefreshToken string                 `json:"refreshToken,omitempty"`
	SIPID        string                 `json:"sipId,omitempty"`
	User         UserInfo               `json:"user"`
	Identity     *registration.Identity `json:"identity,omitempty"`
}

// Store файловое хранилище сессии
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore создает хранилище по указанному пути
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log.With("component", "store")}
}

// Load читает сохраненную сессию
func (s *Store) Load() (State, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return State{}, errors.Wrap(err, "ошибка чтения сохраненной сессии")
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, errors.Wrap(err, "ошибка разбора сохраненной сессии")
	}
	return st, nil
}

// Save записывает сессию атомарно через временный файл
func (s *Store) Save(st State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "ошибка кодирования сессии")
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "ошибка создания каталога хранилища")
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "ошибка записи сессии")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "ошибка замены файла сессии")
	}
	return nil
}

// Clear удаляет сохраненную сессию
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "ошибка удаления сессии")
	}
	return nil
}
