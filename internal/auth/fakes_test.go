package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeAccounts struct {
	mu       sync.Mutex
	byID     map[string]Account
	casFails int
	casCalls int
}

func newFakeAccounts(accts ...Account) *fakeAccounts {
	f := &fakeAccounts{byID: make(map[string]Account)}
	for _, a := range accts {
		f.byID[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) AccountByEmail(_ context.Context, email string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == email {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (f *fakeAccounts) AccountByID(_ context.Context, id string) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) CreateAccount(_ context.Context, acct Account) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.byID {
		if a.Email == acct.Email {
			return Account{}, ErrEmailTaken
		}
		if a.Username == acct.Username {
			return Account{}, ErrUsernameTaken
		}
	}
	f.byID[acct.ID] = acct
	return acct, nil
}

func (f *fakeAccounts) CompareAndSetAttempts(_ context.Context, id string, expected, next AttemptState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casCalls++
	a, ok := f.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if f.casFails > 0 {
		f.casFails--
		return false, nil
	}
	cur := a.Attempts
	if cur.Attempts != expected.Attempts || cur.Locked != expected.Locked || !cur.LastAttempt.Equal(expected.LastAttempt) {
		return false, nil
	}
	a.Attempts = next
	f.byID[id] = a
	return true, nil
}

func (f *fakeAccounts) UpdatePassword(_ context.Context, id, hash string) error {
	return f.update(id, func(a *Account) { a.PasswordHash = hash })
}

func (f *fakeAccounts) UpdateRole(_ context.Context, id string, role Role) error {
	return f.update(id, func(a *Account) { a.Role = role })
}

func (f *fakeAccounts) UpdateNotes(_ context.Context, id, notes string) error {
	return f.update(id, func(a *Account) { a.Notes = notes })
}

func (f *fakeAccounts) UpdateProfile(_ context.Context, id string, upd ProfileUpdate) error {
	f.mu.Lock()
	if upd.Email != nil {
		for _, a := range f.byID {
			if a.ID != id && a.Email == *upd.Email {
				f.mu.Unlock()
				return ErrEmailTaken
			}
		}
	}
	f.mu.Unlock()
	return f.update(id, func(a *Account) {
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

func (f *fakeAccounts) ListBelowLevel(_ context.Context, level int) ([]Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Account
	for _, a := range f.byID {
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

func (f *fakeAccounts) update(id string, fn func(*Account)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(&a)
	f.byID[id] = a
	return nil
}

func (f *fakeAccounts) get(t *testing.T, id string) Account {
	t.Helper()
	a, err := f.AccountByID(context.Background(), id)
	if err != nil {
		t.Fatalf("account %s: %v", id, err)
	}
	return a
}

type fakeSessions struct {
	mu      sync.Mutex
	items   map[string]Session
	revoked map[string]bool
	saves   int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{items: make(map[string]Session), revoked: make(map[string]bool)}
}

func (f *fakeSessions) Save(_ context.Context, s Session, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.items[s.ID] = s
	return nil
}

func (f *fakeSessions) Find(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.items[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	delete(f.items, id)
	return ok, nil
}

func (f *fakeSessions) RevokeRemember(_ context.Context, jti string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) RememberRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeTokens struct {
	mu       sync.Mutex
	accounts *fakeAccounts
	byHash   map[string]ResetToken
	deleted  []string
}

func newFakeTokens(accounts *fakeAccounts) *fakeTokens {
	return &fakeTokens{accounts: accounts, byHash: make(map[string]ResetToken)}
}

func (f *fakeTokens) CreateResetToken(_ context.Context, tok ResetToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[tok.TokenHash] = tok
	return nil
}

func (f *fakeTokens) ResetToken(_ context.Context, hash string) (ResetToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.byHash[hash]
	if !ok {
		return ResetToken{}, ErrNotFound
	}
	return tok, nil
}

func (f *fakeTokens) DeleteResetToken(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, tok := range f.byHash {
		if tok.ID == id {
			delete(f.byHash, h)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeTokens) ConsumeResetToken(ctx context.Context, hash, pwHash string, now time.Time) (string, error) {
	f.mu.Lock()
	tok, ok := f.byHash[hash]
	if !ok || tok.Used || !now.Before(tok.ExpiresAt) {
		f.mu.Unlock()
		return "", ErrNotFound
	}
	tok.Used = true
	f.byHash[hash] = tok
	f.mu.Unlock()
	if err := f.accounts.UpdatePassword(ctx, tok.AccountID, pwHash); err != nil {
		return "", err
	}
	return tok.AccountID, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byHash)
}

type fakeGrants struct {
	mu   sync.Mutex
	rows []Grant
	seq  int
}

func (f *fakeGrants) CreateGrant(_ context.Context, g Grant) (Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if sameGrant(r, g.ContentType, g.ContentID, g.Role, g.UserID) {
			return Grant{}, ErrConflict
		}
	}
	f.seq++
	g.ID = string(rune('a' + f.seq))
	f.rows = append(f.rows, g)
	return g, nil
}

func (f *fakeGrants) DeleteGrant(_ context.Context, ct string, id int64, role *Role, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if sameGrant(r, ct, id, role, userID) {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeGrants) HasRoleGrant(_ context.Context, ct string, id int64, role Role) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if sameGrant(r, ct, id, &role, "") {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGrants) HasUserGrant(_ context.Context, ct string, id int64, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if sameGrant(r, ct, id, nil, userID) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGrants) MinGrantedLevel(_ context.Context, ct string, id int64) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	level, ok := 0, false
	for _, r := range f.rows {
		if r.ContentType != ct || r.ContentID != id || r.Role == nil {
			continue
		}
		if !ok || r.Role.Level() < level {
			level, ok = r.Role.Level(), true
		}
	}
	return level, ok, nil
}

func (f *fakeGrants) ListGrants(_ context.Context, ct string, id int64) ([]Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Grant
	for _, r := range f.rows {
		if r.ContentType == ct && r.ContentID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func sameGrant(r Grant, ct string, id int64, role *Role, userID string) bool {
	if r.ContentType != ct || r.ContentID != id {
		return false
	}
	if role != nil {
		return r.Role != nil && *r.Role == *role
	}
	return r.Role == nil && r.UserID == userID
}

type recorded struct {
	mu   sync.Mutex
	list []Activity
}

func (r *recorded) Record(_ context.Context, a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, a)
}

func (r *recorded) actions(action string) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Activity
	for _, a := range r.list {
		if a.Action == action {
			out = append(out, a)
		}
	}
	return out
}

type fakeMailer struct {
	mu   sync.Mutex
	err  error
	sent []sentMail
}

type sentMail struct {
	to, subject, html string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, html: html})
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var hashCache sync.Map

func mustHash(t *testing.T, password string) string {
	t.Helper()
	if v, ok := hashCache.Load(password); ok {
		return v.(string)
	}
	h, err := HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	hashCache.Store(password, h)
	return h
}

func member(t *testing.T, id string, role Role, password string) Account {
	t.Helper()
	return Account{
		ID:           id,
		Email:        id + "@x.com",
		Username:     id,
		PasswordHash: mustHash(t, password),
		Role:         role,
	}
}

func requireCode(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	e, ok := AsError(err)
	if !ok {
		t.Fatalf("expected *Error, got %v", err)
	}
	if e.Kind != kind || e.Code != code {
		t.Fatalf("expected %s/%s, got %s/%s (%q)", kind, code, e.Kind, e.Code, e.Message)
	}
	return e
}

var errBoom = errors.New("boom")
