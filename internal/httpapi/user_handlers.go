package httpapi

import (
	"net/http"

	"cofradia.org/internal/auth"
)

type roleResponse struct {
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Description string `json:"description"`
	Homepage    string `json:"homepage"`
}

func toRoleResponses(roles []auth.Role) []roleResponse {
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleResponse{
			Name:        role.String(),
			Level:       role.Level(),
			Description: role.Description(),
			Homepage:    auth.Homepage(role.String()),
		})
	}
	return out
}

type createUserRequest struct {
	Username        string `json:"username"`
	CivilName       string `json:"civil_name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Role            string `json:"role"`
	Phone           string `json:"phone"`
	Location        string `json:"location"`
	Notes           string `json:"notes"`
}

type userSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Locked   bool   `json:"account_locked"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

type updateNotesRequest struct {
	Notes string `json:"notes"`
}

type setPasswordRequest struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type profileRequest struct {
	Email       *string           `json:"email"`
	Phone       *string           `json:"phone"`
	Location    *string           `json:"location"`
	SocialLinks map[string]string `json:"social_links"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": toRoleResponses(auth.Roles())})
}

func (a *API) handleAssignableRoles(w http.ResponseWriter, r *http.Request) {
	role, _ := auth.RoleFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"items": toRoleResponses(auth.AssignableRoles(role))})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	actorID, _ := auth.UserIDFromContext(r.Context())
	users, err := a.svc.Users.ManageableUsers(r.Context(), actorID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	items := make([]userSummary, 0, len(users))
	for _, u := range users {
		items = append(items, userSummary{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Role:     u.Role.String(),
			Locked:   u.Attempts.Locked,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	acct, err := a.svc.Users.CreateUser(r.Context(), actorID, auth.NewUser{
		Username:        req.Username,
		CivilName:       req.CivilName,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Role:            req.Role,
		Phone:           req.Phone,
		Location:        req.Location,
		Notes:           req.Notes,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+acct.ID)
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (a *API) handleViewUser(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := auth.UserIDFromContext(r.Context())
	view, err := a.svc.Users.ViewUser(r.Context(), viewerID, r.PathValue("id"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.Users.UpdateRole(r.Context(), actorID, r.PathValue("id"), req.Role); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Role updated."})
}

func (a *API) handleUpdateNotes(w http.ResponseWriter, r *http.Request) {
	var req updateNotesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.Users.UpdateNotes(r.Context(), actorID, r.PathValue("id"), req.Notes); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Notes updated."})
}

func (a *API) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.Users.SetPassword(r.Context(), actorID, r.PathValue("id"), req.Password, req.ConfirmPassword); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password updated."})
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	err := a.svc.Users.UpdateProfile(r.Context(), userID, auth.ProfileUpdate{
		Email:       req.Email,
		Phone:       req.Phone,
		Location:    req.Location,
		SocialLinks: req.SocialLinks,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Profile updated."})
}
