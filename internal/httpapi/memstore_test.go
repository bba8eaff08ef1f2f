package httpapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"cofradia.org/internal/auth"
)

// memStore backs the managers in HTTP tests.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]auth.Account
	tokens   map[string]auth.ResetToken
	grants   []auth.Grant
}

func newMemStore() *memStore {
	return &memStore{accounts: map[string]auth.Account{}, tokens: map[string]auth.ResetToken{}}
}

func (s *memStore) put(a auth.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *memStore) AccountByEmail(_ context.Context, email string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return auth.Account{}, auth.ErrNotFound
}

func (s *memStore) AccountByID(_ context.Context, id string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return a, nil
}

func (s *memStore) CreateAccount(_ context.Context, acct auth.Account) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email == acct.Email {
			return auth.Account{}, auth.ErrEmailTaken
		}
		if a.Username == acct.Username {
			return auth.Account{}, auth.ErrUsernameTaken
		}
	}
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *memStore) CompareAndSetAttempts(_ context.Context, id string, expected, next auth.AttemptState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	cur := a.Attempts
	if cur.Attempts != expected.Attempts || cur.Locked != expected.Locked || !cur.LastAttempt.Equal(expected.LastAttempt) {
		return false, nil
	}
	a.Attempts = next
	s.accounts[id] = a
	return true, nil
}

func (s *memStore) update(id string, fn func(*auth.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(&a)
	s.accounts[id] = a
	return nil
}

func (s *memStore) UpdatePassword(_ context.Context, id, hash string) error {
	return s.update(id, func(a *auth.Account) { a.PasswordHash = hash })
}

func (s *memStore) UpdateRole(_ context.Context, id string, role auth.Role) error {
	return s.update(id, func(a *auth.Account) { a.Role = role })
}

func (s *memStore) UpdateNotes(_ context.Context, id, notes string) error {
	return s.update(id, func(a *auth.Account) { a.Notes = notes })
}

func (s *memStore) UpdateProfile(_ context.Context, id string, upd auth.ProfileUpdate) error {
	return s.update(id, func(a *auth.Account) {
		if upd.Email != nil {
			a.Email = *upd.Email
		}
		if upd.Phone != nil {
			a.Phone = *upd.Phone
		}
		if upd.Location != nil {
			a.Location = *upd.Location
		}
		if upd.SocialLinks != nil {
			a.SocialLinks = upd.SocialLinks
		}
	})
}

func (s *memStore) ListBelowLevel(_ context.Context, level int) ([]auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Account
	for _, a := range s.accounts {
		if a.Role.Level() > level {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

func (s *memStore) CreateResetToken(_ context.Context, tok auth.ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.TokenHash] = tok
	return nil
}

func (s *memStore) ResetToken(_ context.Context, hash string) (auth.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok {
		return auth.ResetToken{}, auth.ErrNotFound
	}
	return tok, nil
}

func (s *memStore) DeleteResetToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, tok := range s.tokens {
		if tok.ID == id {
			delete(s.tokens, h)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *memStore) ConsumeResetToken(_ context.Context, hash, pwHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[hash]
	if !ok || tok.Used || !now.Before(tok.ExpiresAt) {
		return "", auth.ErrNotFound
	}
	tok.Used = true
	s.tokens[hash] = tok
	a := s.accounts[tok.AccountID]
	a.PasswordHash = pwHash
	s.accounts[tok.AccountID] = a
	return tok.AccountID, nil
}

func sameGrant(g auth.Grant, ct string, id int64, role *auth.Role, userID string) bool {
	if g.ContentType != ct || g.ContentID != id {
		return false
	}
	if role != nil {
		return g.Role != nil && *g.Role == *role
	}
	return g.Role == nil && g.UserID == userID
}

func (s *memStore) CreateGrant(_ context.Context, g auth.Grant) (auth.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.grants {
		if sameGrant(existing, g.ContentType, g.ContentID, g.Role, g.UserID) {
			return auth.Grant{}, auth.ErrConflict
		}
	}
	g.CreatedAt = time.Now().UTC()
	s.grants = append(s.grants, g)
	return g, nil
}

func (s *memStore) DeleteGrant(_ context.Context, ct string, id int64, role *auth.Role, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, g := range s.grants {
		if sameGrant(g, ct, id, role, userID) {
			s.grants = append(s.grants[:i], s.grants[i+1:]...)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (s *memStore) HasRoleGrant(_ context.Context, ct string, id int64, role auth.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if sameGrant(g, ct, id, &role, "") {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) HasUserGrant(_ context.Context, ct string, id int64, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if sameGrant(g, ct, id, nil, userID) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MinGrantedLevel(_ context.Context, ct string, id int64) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	level, found := 0, false
	for _, g := range s.grants {
		if g.ContentType == ct && g.ContentID == id && g.Role != nil {
			if !found || g.Role.Level() < level {
				level, found = g.Role.Level(), true
			}
		}
	}
	return level, found, nil
}

func (s *memStore) ListGrants(_ context.Context, ct string, id int64) ([]auth.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Grant
	for _, g := range s.grants {
		if g.ContentType == ct && g.ContentID == id {
			out = append(out, g)
		}
	}
	return out, nil
}
