package relay

import (
	"context"
	"sync"
	"time"

	"github.com/matt0x6f/cascade-relay/internal/config"
	"github.com/matt0x6f/cascade-relay/internal/constants"
	"github.com/matt0x6f/cascade-relay/internal/logger"
	"github.com/matt0x6f/cascade-relay/internal/session"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Relay is the registry of every configured user.
type Relay struct {
	log zerolog.Logger

	mu    sync.RWMutex
	users map[string]*User
	order []string

	// used for unknown names so a failed login costs the same either way
	dummyHash []byte
}

// New builds every user and its sessions. Nothing connects until Start.
func New(cfg *config.Config, db Persistence, opts ...session.Option) *Relay {
	r := &Relay{
		log:   logger.With("relay"),
		users: make(map[string]*User),
	}
	r.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("relay"), bcrypt.MinCost)
	for _, uc := range cfg.Users {
		r.users[uc.Name] = NewUser(uc, cfg.RawLogDir, db, opts...)
		r.order = append(r.order, uc.Name)
	}
	return r
}

// Start connects every network after a short delay, spacing the networks
// apart so a restart does not hit every server at once. It returns
// immediately; ctx cancels connects that have not started yet.
func (r *Relay) Start(ctx context.Context) {
	go func() {
		select {
		case <-time.After(constants.AutoConnectDelay):
		case <-ctx.Done():
			return
		}
		for i, u := range r.Users() {
			for j, s := range u.Sessions() {
				if i > 0 || j > 0 {
					select {
					case <-time.After(constants.ConnectionStaggerDelay):
					case <-ctx.Done():
						return
					}
				}
				r.log.Info().Str("user", u.Name()).Str("network", s.Name()).Msg("Auto-connecting")
				s.Open()
			}
		}
	}()
}

// Authenticate checks a user's password against the configured bcrypt hash.
func (r *Relay) Authenticate(name, password string) (*User, error) {
	r.mu.RLock()
	u, ok := r.users[name]
	r.mu.RUnlock()

	hash := r.dummyHash
	if ok {
		hash = u.passwordHash
	}
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))
	if !ok || err != nil {
		return nil, ErrUnauthorized
	}
	return u, nil
}

// User returns a user by name.
func (r *Relay) User(name string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[name]
	return u, ok
}

// Users returns every user in configuration order.
func (r *Relay) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.users[name])
	}
	return out
}

// Shutdown quits every network of every user.
func (r *Relay) Shutdown(reason string) {
	users := r.Users()
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			u.Shutdown(reason)
		}(u)
	}
	wg.Wait()
	r.log.Info().Int("users", len(users)).Msg("Relay stopped")
}
