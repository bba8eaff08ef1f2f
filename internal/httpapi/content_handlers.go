package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cofradia.org/internal/auth"
)

type grantRequest struct {
	Role   string `json:"role"`
	UserID string `json:"user_id"`
}

type grantResponse struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	ContentID   int64     `json:"content_id"`
	Role        string    `json:"role,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	GrantedBy   string    `json:"granted_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func toGrantResponse(g auth.Grant) grantResponse {
	return grantResponse{
		ID:          g.ID,
		ContentType: g.ContentType,
		ContentID:   g.ContentID,
		Role:        g.RoleName(),
		UserID:      g.UserID,
		GrantedBy:   g.GrantedBy,
		CreatedAt:   g.CreatedAt,
	}
}

// contentRef reads {type}/{id} from the path.
func contentRef(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	contentType := strings.TrimSpace(r.PathValue("type"))
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if contentType == "" || err != nil || id <= 0 {
		writeErrorBody(w, r, http.StatusBadRequest, map[string]any{
			"error": "Invalid content reference.",
			"code":  auth.CodeInvalidRequest,
		})
		return "", 0, false
	}
	return contentType, id, true
}

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	contentType, id, ok := contentRef(w, r)
	if !ok {
		return
	}
	grants, err := a.svc.Permissions.Grants(r.Context(), contentType, id)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	items := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		items = append(items, toGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	contentType, id, ok := contentRef(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	g, err := a.svc.Permissions.Grant(r.Context(), auth.GrantRequest{
		ActorID:     actorID,
		ContentType: contentType,
		ContentID:   id,
		Role:        req.Role,
		UserID:      req.UserID,
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantResponse(g))
}

// handleRevoke takes the grant subject from the query: ?role= or ?user_id=.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	contentType, id, ok := contentRef(w, r)
	if !ok {
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	q := r.URL.Query()
	err := a.svc.Permissions.Revoke(r.Context(), auth.GrantRequest{
		ActorID:     actorID,
		ContentType: contentType,
		ContentID:   id,
		Role:        q.Get("role"),
		UserID:      q.Get("user_id"),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Permission revoked."})
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	contentType, id, ok := contentRef(w, r)
	if !ok {
		return
	}
	acct, _ := currentAccount(r)
	allowed, err := a.svc.Permissions.CanAccountAccess(r.Context(), acct, contentType, id)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content_type": contentType,
		"content_id":   id,
		"allowed":      allowed,
	})
}
