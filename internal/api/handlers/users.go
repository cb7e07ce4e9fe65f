// users.go — обработчики пользователей, ролей и аудита смены ролей.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/oapi-codegen/runtime"

	apierrors "github.com/maoyuanshou/echocardio-system/internal/api/errors"
	"github.com/maoyuanshou/echocardio-system/internal/service"
)

// changeRoleRequest — тело PUT /api/v1/users/{id}/role.
type changeRoleRequest struct {
	Role string `json:"role"`
}

// updateUserRequest — тело PATCH /api/v1/users/{id}.
type updateUserRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	Role     *string `json:"role,omitempty"`
}

// GetMe — текущий пользователь (GET /api/v1/me).
func (h *APIHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, userToResponse(user))
}

// ListUsers — список пользователей (GET /api/v1/users). Только admin.
func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	users, total, err := h.orch.ListUsers(r.Context(), admin, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "list_users")
		return
	}
	writeJSON(w, http.StatusOK, newPage(mapSlice(users, userToResponse), total, limit, offset))
}

// UpdateUser — изменение профиля и роли (PATCH /api/v1/users/{id}). Только admin.
func (h *APIHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := stringParam(w, r, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.orch.UpdateUser(r.Context(), admin, id, service.UserUpdate{
		Username: req.Username,
		Email:    req.Email,
		Role:     req.Role,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "update_user")
		return
	}

	resp := outcomeToResponse(out)
	if req.Role != nil && !out.Changed {
		resp.Notice = sameRoleNotice(out.User.Role)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ChangeRole — смена роли (PUT /api/v1/users/{id}/role). Только admin.
// Совпадающая роль возвращает 200 с notice SAME_ROLE и без записи аудита.
func (h *APIHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := stringParam(w, r, "id")
	if !ok {
		return
	}
	var req changeRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.orch.ChangeRole(r.Context(), admin, id, req.Role)
	if err != nil {
		h.writeServiceError(w, r, err, "change_role")
		return
	}

	resp := outcomeToResponse(out)
	if !out.Changed {
		resp.Notice = sameRoleNotice(out.User.Role)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRoleChanges — аудит смены ролей (GET /api/v1/role-changes). Только admin.
func (h *APIHandler) ListRoleChanges(w http.ResponseWriter, r *http.Request) {
	admin, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	var userID *string
	if err := runtime.BindQueryParameter("form", true, false, "user_id", r.URL.Query(), &userID); err != nil {
		apierrors.ValidationError(w, "Некорректный параметр user_id")
		return
	}

	recs, total, err := h.orch.ListRoleChanges(r.Context(), admin, userID, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "list_role_changes")
		return
	}
	writeJSON(w, http.StatusOK, newPage(mapSlice(recs, roleChangeToResponse), total, limit, offset))
}

func sameRoleNotice(role string) *apierrors.Detail {
	return apierrors.Notice(apierrors.NoticeSameRole, fmt.Sprintf("Пользователь уже имеет роль %s", role))
}
