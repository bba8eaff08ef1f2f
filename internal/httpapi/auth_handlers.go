package httpapi

import (
	"net/http"
	"time"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
	ReturnTo string `json:"return_to"`
}

type accountResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Homepage string `json:"homepage"`
}

func toAccountResponse(acct auth.Account) accountResponse {
	role := acct.Role.String()
	return accountResponse{
		ID:       acct.ID,
		Username: acct.Username,
		Email:    acct.Email,
		Role:     role,
		Homepage: auth.Homepage(role),
	}
}

type loginResponse struct {
	User     accountResponse `json:"user"`
	Redirect string          `json:"redirect"`
}

type sessionResponse struct {
	User         accountResponse `json:"user"`
	LastActivity time.Time       `json:"last_activity"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type completeResetRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ReturnTo == "" {
		if c, err := r.Cookie(returnToCookie); err == nil {
			req.ReturnTo = c.Value
		}
	}
	res, err := a.svc.Login.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Remember: req.Remember,
		ReturnTo: req.ReturnTo,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}

	// the new session replaces whatever the browser still held
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" && c.Value != res.Session.ID {
		if err := a.svc.Login.Logout(r.Context(), c.Value); err != nil {
			obs.LogEntry("warn", "replaced_session_logout_failed", map[string]any{
				"request_id": RequestIDFromContext(r.Context()),
				"error":      err.Error(),
			})
		}
	}

	a.setCookie(w, sessionCookie, res.Session.ID, 0)
	a.clearCookie(w, returnToCookie)
	if res.RememberToken != "" {
		a.setCookie(w, rememberCookie, res.RememberToken, res.RememberExpires.Sub(a.now()))
	}
	writeJSON(w, http.StatusOK, loginResponse{User: toAccountResponse(res.Account), Redirect: res.Redirect})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if err := a.svc.Login.Logout(r.Context(), c.Value); err != nil {
			writeAuthError(w, r, err)
			return
		}
	}
	a.clearCookie(w, sessionCookie)
	a.clearCookie(w, rememberCookie)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out", "redirect": auth.DefaultHomepage})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	acct, _ := currentAccount(r)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:         toAccountResponse(acct),
		LastActivity: sess.LastActivity,
		ExpiresAt:    sess.LastActivity.Add(auth.SessionTimeout),
	})
}

func (a *API) handleRemembered(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(rememberCookie)
	if err != nil || c.Value == "" {
		writeErrorBody(w, r, http.StatusUnauthorized, map[string]any{
			"error": "No remembered login.",
			"code":  auth.CodeInvalidToken,
		})
		return
	}
	claims, err := a.svc.Login.Remembered(r.Context(), c.Value)
	if err != nil {
		if auth.KindOf(err) == auth.KindAuthentication {
			a.clearCookie(w, rememberCookie)
		}
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"email": claims.Email})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := a.svc.Resets.Issue(r.Context(), req.Email)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: msg})
}

func (a *API) handleVerifyReset(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Resets.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleCompleteReset(w http.ResponseWriter, r *http.Request) {
	var req completeResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Resets.Complete(r.Context(), req.Token, req.Password, req.ConfirmPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Your password has been reset. You can now log in."})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.Resets.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, req.ConfirmPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed."})
}
