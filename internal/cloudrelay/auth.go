package cloudrelay

import (
	"crypto/subtle"
	"sync"
)

// Authenticator resolves caller bearer tokens to configured user names.
type Authenticator struct {
	mu    sync.RWMutex
	users []User
}

func NewAuthenticator(users []User) *Authenticator {
	a := &Authenticator{}
	a.Update(users)
	return a
}

func (a *Authenticator) Update(users []User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users = append([]User(nil), users...)
}

func (a *Authenticator) HasUsers() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users) > 0
}

// Authenticate compares in constant time against every configured token.
func (a *Authenticator) Authenticate(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, found := "", false
	for _, user := range a.users {
		if subtle.ConstantTimeCompare([]byte(user.Token), []byte(token)) == 1 {
			name, found = user.Name, true
		}
	}
	return name, found
}
