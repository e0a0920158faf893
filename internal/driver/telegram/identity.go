package telegram

import (
	"strconv"
	"sync/atomic"

	"github.com/gotd/td/tg"

	"otogi-agent/pkg/otogi"
)

const (
	// DriverType is the configured driver type token for the Telegram runtime.
	DriverType = "telegram"
	// DriverPlatform is the neutral otogi platform produced by the Telegram runtime.
	DriverPlatform otogi.Platform = otogi.PlatformTelegram
)

// SelfStore holds the logged-in account once authentication completes.
type SelfStore struct {
	value atomic.Pointer[otogi.SelfIdentity]
}

// Remember records user as the logged-in account.
func (s *SelfStore) Remember(user *tg.User) {
	if s == nil || user == nil {
		return
	}
	actor := actorFromUser(user)
	s.value.Store(&otogi.SelfIdentity{
		Platform:    DriverPlatform,
		ID:          strconv.FormatInt(user.ID, 10),
		Username:    actor.Username,
		DisplayName: actor.DisplayName,
	})
}

// Load returns the logged-in account, if known.
func (s *SelfStore) Load() (otogi.SelfIdentity, bool) {
	if s == nil {
		return otogi.SelfIdentity{}, false
	}
	identity := s.value.Load()
	if identity == nil {
		return otogi.SelfIdentity{}, false
	}

	return *identity, true
}

func (s *SelfStore) actor() ActorRef {
	identity, ok := s.Load()
	if !ok {
		return ActorRef{ID: gotdSelfActorID}
	}

	return ActorRef{
		ID:          identity.ID,
		Username:    identity.Username,
		DisplayName: identity.DisplayName,
	}
}
