package auth

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"
)

type resetFixture struct {
	accounts *fakeAccounts
	tokens   *fakeTokens
	mailer   *fakeMailer
	rec      *recorded
	clock    *clock
	mgr      *ResetManager
}

func newResetFixture(t *testing.T) *resetFixture {
	t.Helper()
	f := &resetFixture{
		accounts: newFakeAccounts(member(t, "a", RoleNovicio, "Original1")),
		mailer:   &fakeMailer{},
		rec:      &recorded{},
		clock:    newClock(),
	}
	f.tokens = newFakeTokens(f.accounts)
	mgr, err := NewResetManager(f.accounts, f.tokens, f.mailer,
		WithClock(f.clock.Now), WithActivityRecorder(f.rec), WithResetLink("https://cofradia.test/", "Cofradia"))
	if err != nil {
		t.Fatalf("NewResetManager: %v", err)
	}
	f.mgr = mgr
	return f
}

var linkPattern = regexp.MustCompile(`href="([^"]+)"`)

func (f *resetFixture) issuedToken(t *testing.T) string {
	t.Helper()
	f.mailer.mu.Lock()
	defer f.mailer.mu.Unlock()
	if len(f.mailer.sent) == 0 {
		t.Fatal("no mail sent")
	}
	m := linkPattern.FindStringSubmatch(f.mailer.sent[len(f.mailer.sent)-1].html)
	if m == nil {
		t.Fatal("reset link missing from mail")
	}
	u, err := url.Parse(strings.ReplaceAll(m[1], "&amp;", "&"))
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	if u.Host != "cofradia.test" || u.Path != "/reset-password" {
		t.Fatalf("unexpected link %s", u)
	}
	return u.Query().Get("token")
}

func TestResetRoundTrip(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	msg, err := f.mgr.Issue(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if msg != resetIssuedMsg {
		t.Fatalf("message = %q", msg)
	}
	token := f.issuedToken(t)
	if len(token) != 64 {
		t.Fatalf("token length = %d", len(token))
	}
	if _, err := f.tokens.ResetToken(ctx, token); err == nil {
		t.Fatal("raw token must not be stored")
	}

	v, err := f.mgr.Verify(ctx, token)
	if err != nil || !v.Valid || v.AccountID != "a" {
		t.Fatalf("Verify = %+v, %v", v, err)
	}

	if err := f.mgr.Complete(ctx, token, "Changed12", "Changed12"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := VerifyPassword(f.accounts.get(t, "a").PasswordHash, "Changed12"); err != nil {
		t.Fatal("password not updated")
	}
	v, err = f.mgr.Verify(ctx, token)
	if err != nil || v.Valid || v.Reason != CodeTokenUsed {
		t.Fatalf("second Verify = %+v, %v", v, err)
	}
	err = f.mgr.Complete(ctx, token, "Another12", "Another12")
	requireCode(t, err, KindAuthentication, CodeTokenUsed)

	if len(f.rec.actions(ActionPasswordResetRequested)) != 1 || len(f.rec.actions(ActionPasswordChanged)) != 1 {
		t.Fatalf("unexpected activity %+v", f.rec.list)
	}
}

func TestResetUnknownEmailCreatesNothing(t *testing.T) {
	f := newResetFixture(t)
	msg, err := f.mgr.Issue(context.Background(), "nonexistent@x.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if msg != resetIssuedMsg {
		t.Fatalf("message = %q", msg)
	}
	if f.tokens.count() != 0 || len(f.mailer.sent) != 0 {
		t.Fatal("no token or mail expected")
	}
}

func TestResetInvalidEmail(t *testing.T) {
	f := newResetFixture(t)
	_, err := f.mgr.Issue(context.Background(), "bogus")
	requireCode(t, err, KindValidation, CodeInvalidEmail)
}

func TestResetDeliveryFailureDeletesToken(t *testing.T) {
	f := newResetFixture(t)
	f.mailer.err = errBoom
	_, err := f.mgr.Issue(context.Background(), "a@x.com")
	requireCode(t, err, KindPersistence, CodeDeliveryFailed)
	if f.tokens.count() != 0 || len(f.tokens.deleted) != 1 {
		t.Fatalf("token should be compensated, have %d", f.tokens.count())
	}
	if len(f.rec.actions(ActionPasswordResetRequested)) != 0 {
		t.Fatal("failed delivery must not be logged as requested")
	}
}

func TestResetExpiryBoundary(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	token := f.issuedToken(t)

	f.clock.Advance(time.Hour - time.Nanosecond)
	if v, _ := f.mgr.Verify(ctx, token); !v.Valid {
		t.Fatalf("token should still be valid: %+v", v)
	}
	f.clock.Advance(time.Nanosecond)
	v, err := f.mgr.Verify(ctx, token)
	if err != nil || v.Valid || v.Reason != CodeTokenExpired {
		t.Fatalf("Verify at expiry = %+v, %v", v, err)
	}
	err = f.mgr.Complete(ctx, token, "Changed12", "Changed12")
	requireCode(t, err, KindAuthentication, CodeTokenExpired)
}

func TestResetUnknownToken(t *testing.T) {
	f := newResetFixture(t)
	v, err := f.mgr.Verify(context.Background(), "deadbeef")
	if err != nil || v.Valid || v.Reason != CodeTokenNotFound {
		t.Fatalf("Verify = %+v, %v", v, err)
	}
	err = f.mgr.Complete(context.Background(), "", "Changed12", "Changed12")
	requireCode(t, err, KindAuthentication, CodeTokenNotFound)
}

func TestCompleteRejectsBadPasswordsWithoutConsuming(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	if _, err := f.mgr.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	token := f.issuedToken(t)

	requireCode(t, f.mgr.Complete(ctx, token, "Changed12", "Changed13"), KindValidation, CodePasswordMismatch)
	requireCode(t, f.mgr.Complete(ctx, token, "abcdefgh", "abcdefgh"), KindValidation, CodeWeakPassword)
	if v, _ := f.mgr.Verify(ctx, token); !v.Valid {
		t.Fatal("rejected completion must not consume token")
	}
}

func TestChangePasswordOrder(t *testing.T) {
	f := newResetFixture(t)
	ctx := context.Background()
	requireCode(t, f.mgr.ChangePassword(ctx, "a", "Wrong1234", "Changed12", "Changed12"), KindAuthentication, CodeInvalidCredentials)
	requireCode(t, f.mgr.ChangePassword(ctx, "a", "Original1", "Changed12", "Changed13"), KindValidation, CodePasswordMismatch)
	requireCode(t, f.mgr.ChangePassword(ctx, "a", "Original1", "Original1", "Original1"), KindValidation, CodeSamePassword)
	requireCode(t, f.mgr.ChangePassword(ctx, "a", "Original1", "weakpass", "weakpass"), KindValidation, CodeWeakPassword)
	if err := f.mgr.ChangePassword(ctx, "a", "Original1", "Changed12", "Changed12"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if err := VerifyPassword(f.accounts.get(t, "a").PasswordHash, "Changed12"); err != nil {
		t.Fatal("password not updated")
	}
	requireCode(t, f.mgr.ChangePassword(ctx, "ghost", "x", "Changed12", "Changed12"), KindValidation, CodeNotFound)
}
