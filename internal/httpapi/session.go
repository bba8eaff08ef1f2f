package httpapi

import (
	"context"
	"net/http"
	"time"

	"cofradia.org/internal/auth"
)

const (
	sessionCookie  = "sid"
	rememberCookie = "remember"
	returnToCookie = "return_to"

	returnToTTL = 5 * time.Minute
)

const (
	accountKey   ctxKey = "account"
	resumeErrKey ctxKey = "resume_error"
)

// withSession resumes the session named by the sid cookie. Requests without
// a live session pass through anonymously; requireLogin decides what to do.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		sess, acct, err := a.svc.Login.Resume(r.Context(), c.Value)
		if err != nil {
			if auth.KindOf(err) == auth.KindAuthentication {
				a.clearCookie(w, sessionCookie)
			}
			ctx := context.WithValue(r.Context(), resumeErrKey, err)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ctx := auth.ContextWithSession(r.Context(), sess)
		ctx = context.WithValue(ctx, accountKey, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireLogin rejects anonymous requests with 401 and remembers where the
// caller was going so login can send them back.
func (a *API) requireLogin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.SessionFromContext(r.Context()); ok {
			next(w, r)
			return
		}
		if r.Method == http.MethodGet {
			if target := r.URL.RequestURI(); auth.SafeReturnPath(target) {
				a.setCookie(w, returnToCookie, target, returnToTTL)
			}
		}
		if err, ok := r.Context().Value(resumeErrKey).(error); ok {
			writeAuthError(w, r, err)
			return
		}
		writeErrorBody(w, r, http.StatusUnauthorized, map[string]any{
			"error": "Please log in to continue.",
			"code":  auth.CodeNoSession,
		})
	})
}

// requireRole is requireLogin plus a minimum rank: the session role must be
// required or higher.
func (a *API) requireRole(required auth.Role, next http.HandlerFunc) http.Handler {
	return a.requireLogin(func(w http.ResponseWriter, r *http.Request) {
		role, _ := auth.RoleFromContext(r.Context())
		if !auth.Satisfies(role, required.String()) {
			writeErrorBody(w, r, http.StatusForbidden, map[string]any{
				"error": "Insufficient permissions.",
				"code":  auth.CodeInsufficientPrivilege,
			})
			return
		}
		next(w, r)
	})
}

// currentAccount returns the account resumed for this request.
func currentAccount(r *http.Request) (auth.Account, bool) {
	acct, ok := r.Context().Value(accountKey).(auth.Account)
	return acct, ok
}

func (a *API) setCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
		c.Expires = a.now().Add(ttl)
	}
	http.SetCookie(w, c)
}

func (a *API) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
