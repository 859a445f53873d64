package account

import (
	"context"

	"github.com/arzzra/sip_caller/pkg/registration"
)

// Restore восстанавливает сохраненную сессию из хранилища.
//
// Невалидная или неполная сохраненная учетная запись не роняет запуск:
// клиент пытается перечитать профиль по сохраненному токену, а при
// любом сбое возвращает ok=false, оставляя контроллер
// неаутентифицированным.
func (c *Client) Restore(ctx context.Context, store *Store) (registration.Identity, bool) {
	st, err := store.Load()
	if err != nil {
		c.log.Debug("сохраненная сессия не прочитана", "error", err)
		return registration.Identity{}, false
	}
	if st.Token == "" {
		return registration.Identity{}, false
	}
	c.adopt(st)

	if st.Identity != nil {
		if err := st.Identity.Validate(); err == nil {
			c.log.Info("сессия восстановлена", "address", st.Identity.Address)
			return *st.Identity, true
		}
		c.log.Warn("сохраненная учетная запись неполная, перечитываем профиль")
	}

	if st.SIPID == "" {
		return registration.Identity{}, false
	}
	id, err := c.FetchProfile(ctx)
	if err != nil {
		c.log.Warn("профиль не перечитан", "error", err)
		return registration.Identity{}, false
	}

	st.Identity = &id
	if err := store.Save(st); err != nil {
		c.log.Warn("сессия не сохранена", "error", err)
	}
	return id, true
}
