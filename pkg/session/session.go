// Package session holds the per-client state the persistence layer consults:
// who is signed in to the remote store, which board is selected and whether the
// editor is currently visible. It is constructed once and passed to the
// components that need it.
package session

import (
	"sync"
)

// Account is the identity used against the remote store.
type Account struct {
	Email string
	Token string
}

// Session is safe for concurrent use.
type Session struct {
	mu      sync.RWMutex
	account *Account
	boardID string
	hidden  bool
}

// New creates a signed-out session with no board selected.
func New() *Session {
	return &Session{}
}

// SignIn records an authenticated account.
func (s *Session) SignIn(account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = &account
}

// SignOut forgets the authenticated account.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = nil
}

// Authenticated reports whether an account with a token is signed in.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account != nil && s.account.Token != ""
}

// Account returns the signed-in account, if any.
func (s *Session) Account() (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return Account{}, false
	}
	return *s.account, true
}

// SelectBoard makes boardID the active board. An empty id clears the selection.
func (s *Session) SelectBoard(boardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boardID = boardID
}

// BoardID returns the active board, or "" when none is selected.
func (s *Session) BoardID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boardID
}

// SetHidden records whether the editor is in the background.
func (s *Session) SetHidden(hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = hidden
}

// Hidden reports whether the editor is in the background.
func (s *Session) Hidden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hidden
}
